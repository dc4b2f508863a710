package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

func TestCompile_AllTranslatable(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions: []models.Condition{
			{Field: models.FieldFrom, Operator: models.OpContains, Value: "newsletter"},
			{Field: models.FieldLabel, Operator: models.OpIs, Value: "INBOX"},
		},
	}

	cq := Compile(r)

	assert.False(t, cq.NeedsDetails)
	assert.False(t, cq.NeedsBody)
	assert.Equal(t, "from:newsletter label:INBOX", cq.ServerQuery)
	assert.Len(t, cq.Translatable, 2)
	assert.Empty(t, cq.Untranslated)
}

func TestCompile_PartialOR_FallsBackToSubset(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionOR,
		Conditions: []models.Condition{
			{Field: models.FieldFrom, Operator: models.OpContains, Value: "billing"},
			{Field: models.FieldBody, Operator: models.OpContains, Value: "invoice"},
		},
	}

	cq := Compile(r)

	assert.True(t, cq.NeedsDetails, "untranslatable body condition forces a details fetch")
	assert.True(t, cq.NeedsBody)
	assert.Equal(t, "(from:billing)", cq.ServerQuery, "only the translatable branch is folded into the query")
	assert.Len(t, cq.Translatable, 1)
	assert.Len(t, cq.Untranslated, 1)
}

func TestCompile_AND_NarrowsWithTranslatableSubset(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions: []models.Condition{
			{Field: models.FieldFrom, Operator: models.OpContains, Value: "billing"},
			{Field: models.FieldBodySnippet, Operator: models.OpStartsWith, Value: "Dear"},
		},
	}

	cq := Compile(r)

	assert.True(t, cq.NeedsDetails)
	assert.True(t, cq.NeedsBody, "body_snippet also requires the full-format fetch")
	assert.Equal(t, "from:billing", cq.ServerQuery)
}

func TestCompile_MessageSizeAndDateAgeAreTranslatable(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions: []models.Condition{
			{Field: models.FieldMessageSize, Operator: models.OpGreaterThan, Value: "10M"},
			{Field: models.FieldDateAge, Operator: models.OpOlderThan, Value: "30d"},
		},
	}

	cq := Compile(r)

	assert.False(t, cq.NeedsDetails)
	assert.Equal(t, "larger:10M older_than:30d", cq.ServerQuery)
}

func TestCompile_MessageSizeSmallerThan(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldMessageSize, Operator: models.OpLessThan, Value: "500K"}},
	}

	cq := Compile(r)
	assert.Equal(t, "smaller:500K", cq.ServerQuery)
}

func TestCompile_MessageSizeInvalidValueIsUntranslated(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldMessageSize, Operator: models.OpGreaterThan, Value: "not-a-size"}},
	}

	cq := Compile(r)
	assert.Empty(t, cq.ServerQuery)
	assert.True(t, cq.NeedsDetails)
}

func TestCompile_DateAgeInvalidValueIsUntranslated(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldDateAge, Operator: models.OpOlderThan, Value: "30"}},
	}

	cq := Compile(r)
	assert.Empty(t, cq.ServerQuery, "a bare digit without a d/m/y suffix doesn't match the spec's value format")
	assert.True(t, cq.NeedsDetails)
}

func TestCompile_NoTranslatableConditions(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions: []models.Condition{
			{Field: models.FieldBodySnippet, Operator: models.OpStartsWith, Value: "Dear"},
		},
	}

	cq := Compile(r)

	assert.Empty(t, cq.ServerQuery)
	assert.True(t, cq.NeedsDetails)
}

func TestEvaluate_AND(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions: []models.Condition{
			{Field: models.FieldFrom, Operator: models.OpContains, Value: "billing"},
			{Field: models.FieldHasAttachment, Operator: models.OpIs, Value: "true"},
		},
	}

	matching := &models.MatchableEmail{From: "billing@example.com", HasAttachment: true, HasAttachmentInfo: true}
	assert.True(t, Evaluate(r, matching))

	nonMatching := &models.MatchableEmail{From: "billing@example.com", HasAttachment: false, HasAttachmentInfo: true}
	assert.False(t, Evaluate(r, nonMatching))
}

func TestEvaluate_OR(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionOR,
		Conditions: []models.Condition{
			{Field: models.FieldFrom, Operator: models.OpContains, Value: "billing"},
			{Field: models.FieldSubject, Operator: models.OpContains, Value: "urgent"},
		},
	}

	assert.True(t, Evaluate(r, &models.MatchableEmail{From: "billing@example.com", Subject: "hello"}))
	assert.True(t, Evaluate(r, &models.MatchableEmail{From: "nobody@example.com", Subject: "URGENT: read now"}))
	assert.False(t, Evaluate(r, &models.MatchableEmail{From: "nobody@example.com", Subject: "hello"}))
}

func TestEvaluate_EmptyConditionsNeverMatches(t *testing.T) {
	r := models.Rule{Conjunction: models.ConjunctionAND}
	assert.False(t, Evaluate(r, &models.MatchableEmail{}))
}

func TestEvaluate_BodyRequiresHasBody(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldBody, Operator: models.OpContains, Value: "invoice"}},
	}

	unpopulated := &models.MatchableEmail{Body: "contains invoice text", HasBody: false}
	assert.False(t, Evaluate(r, unpopulated), "body field ignored unless HasBody is set")

	populated := &models.MatchableEmail{Body: "contains invoice text", HasBody: true}
	assert.True(t, Evaluate(r, populated))
}

func TestEvaluate_DateAge(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldDateAge, Operator: models.OpOlderThan, Value: "30d"}},
	}

	old := &models.MatchableEmail{InternalTimestamp: time.Now().Add(-60 * 24 * time.Hour)}
	assert.True(t, Evaluate(r, old))

	recent := &models.MatchableEmail{InternalTimestamp: time.Now().Add(-1 * time.Hour)}
	assert.False(t, Evaluate(r, recent))

	zero := &models.MatchableEmail{}
	assert.False(t, Evaluate(r, zero), "zero timestamp never matches an age predicate")
}

func TestEvaluate_DateAge_MonthAndYearUnits(t *testing.T) {
	monthRule := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldDateAge, Operator: models.OpOlderThan, Value: "2m"}},
	}
	assert.True(t, Evaluate(monthRule, &models.MatchableEmail{InternalTimestamp: time.Now().Add(-70 * 24 * time.Hour)}))
	assert.False(t, Evaluate(monthRule, &models.MatchableEmail{InternalTimestamp: time.Now().Add(-10 * 24 * time.Hour)}))

	yearRule := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldDateAge, Operator: models.OpNewerThan, Value: "1y"}},
	}
	assert.True(t, Evaluate(yearRule, &models.MatchableEmail{InternalTimestamp: time.Now().Add(-10 * 24 * time.Hour)}))
	assert.False(t, Evaluate(yearRule, &models.MatchableEmail{InternalTimestamp: time.Now().Add(-400 * 24 * time.Hour)}))
}

func TestEvaluate_DateAge_MalformedValueNeverMatches(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldDateAge, Operator: models.OpOlderThan, Value: "30"}},
	}
	assert.False(t, Evaluate(r, &models.MatchableEmail{InternalTimestamp: time.Now().Add(-1000 * 24 * time.Hour)}))
}

func TestEvaluate_MessageSize_WithSuffixes(t *testing.T) {
	largerRule := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldMessageSize, Operator: models.OpGreaterThan, Value: "1M"}},
	}
	assert.True(t, Evaluate(largerRule, &models.MatchableEmail{SizeBytes: 2 * 1024 * 1024}))
	assert.False(t, Evaluate(largerRule, &models.MatchableEmail{SizeBytes: 1024}))

	smallerRule := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldMessageSize, Operator: models.OpLessThan, Value: "500K"}},
	}
	assert.True(t, Evaluate(smallerRule, &models.MatchableEmail{SizeBytes: 1024}))
	assert.False(t, Evaluate(smallerRule, &models.MatchableEmail{SizeBytes: 600 * 1024}))
}

func TestEvaluate_AttachmentFilename(t *testing.T) {
	r := models.Rule{
		Conjunction: models.ConjunctionAND,
		Conditions:  []models.Condition{{Field: models.FieldAttachmentFilename, Operator: models.OpEndsWith, Value: ".pdf"}},
	}

	email := &models.MatchableEmail{
		HasAttachmentInfo:   true,
		AttachmentFilenames: []string{"report.pdf", "image.png"},
	}
	assert.True(t, Evaluate(r, email))

	none := &models.MatchableEmail{HasAttachmentInfo: true, AttachmentFilenames: []string{"image.png"}}
	assert.False(t, Evaluate(r, none))
}
