package ingest

import (
	"encoding/json"
	"testing"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/adlib"
	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/payloadschema"
)

func mustAdRecord(t *testing.T, raw string) *payloadschema.AdRecord {
	t.Helper()
	record, err := payloadschema.ValidateFeedRecord(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("validate record: %v", err)
	}
	return record.Ad
}

func TestAdRowsFromRecordNormalizesCollections(t *testing.T) {
	t.Parallel()

	record := mustAdRecord(t, `{
		"payload_version":"v1",
		"kind":"ad",
		"ad":{
			"archive_id":42,
			"ad_delivery_start_time":"2020-10-01T08:00:00Z",
			"currency":" usd ",
			"ad_types":["Political"," political","issue"],
			"topics":[{"id":5,"name":"Economy"},{"id":2,"name":"Health"},{"id":5}],
			"impressions":{"min_spend":0,"max_spend":99,"min_impressions":1000,"max_impressions":4999},
			"regions":[
				{"region":"Ohio","min_spend":0,"max_spend":99,"min_impressions":0,"max_impressions":999},
				{"region":"Ohio","min_spend":100,"max_spend":199,"min_impressions":0,"max_impressions":999},
				{"region":"Texas","min_spend":0,"max_spend":99,"min_impressions":0,"max_impressions":999}
			],
			"creatives":[{"body":"Same"},{"body":"Same"},{"body":"Other"}]
		}
	}`)

	rows, err := adRowsFromRecord(record)
	if err != nil {
		t.Fatalf("adRowsFromRecord error: %v", err)
	}

	if rows.ad.Currency != "USD" {
		t.Fatalf("expected currency USD, got %q", rows.ad.Currency)
	}
	if rows.ad.AdDeliveryStartTime == nil || rows.ad.AdDeliveryStartTime.Format("2006-01-02") != "2020-10-01" {
		t.Fatalf("unexpected delivery start: %v", rows.ad.AdDeliveryStartTime)
	}
	if rows.ad.LastActiveDate != nil {
		t.Fatalf("expected absent last_active_date to stay nil")
	}
	if len(rows.topics) != 2 || rows.topics[0].TopicID != 2 || rows.topics[1].TopicID != 5 {
		t.Fatalf("expected deduplicated topics [2 5], got %+v", rows.topics)
	}
	if len(rows.adTypes) != 2 || rows.adTypes[0] != "issue" || rows.adTypes[1] != "political" {
		t.Fatalf("expected ad types [issue political], got %v", rows.adTypes)
	}
	if len(rows.regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(rows.regions))
	}
	if rows.regions[0].Region != "Ohio" || rows.regions[0].MaxSpend.String() != "199" {
		t.Fatalf("expected the later Ohio entry to win, got %+v", rows.regions[0])
	}
	if len(rows.creatives) != 2 {
		t.Fatalf("expected duplicate creatives to collapse, got %d", len(rows.creatives))
	}
}

func TestCreativeKey(t *testing.T) {
	t.Parallel()

	base := adlib.Creative{Body: "Vote", LinkTitle: "Polls open"}
	same := adlib.Creative{Body: "  Vote ", LinkTitle: "Polls open"}
	withImage := adlib.Creative{Body: "Vote", LinkTitle: "Polls open", ImageURL: "https://cdn.example.com/a.png"}
	shifted := adlib.Creative{Body: "VotePolls open"}

	if creativeKey(base) != creativeKey(same) {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
	if creativeKey(base) == creativeKey(withImage) {
		t.Fatalf("expected image reference to change the key")
	}
	if creativeKey(base) == creativeKey(shifted) {
		t.Fatalf("expected field boundaries to be part of the key")
	}
}

func TestCreativeRowLanguage(t *testing.T) {
	t.Parallel()

	declared := creativeRow(1, payloadschema.CreativeRecord{Body: "Hola", Language: "es_MX"})
	if declared.Language != "es" {
		t.Fatalf("expected declared language es, got %q", declared.Language)
	}

	blankImage := "  "
	row := creativeRow(1, payloadschema.CreativeRecord{Body: "x", ImageURL: &blankImage})
	if row.ImageURL != nil {
		t.Fatalf("expected blank image url to be dropped")
	}
}

func TestCanonicalizeJSONIgnoresFormatting(t *testing.T) {
	t.Parallel()

	a, err := canonicalizeJSON([]byte(`{"b":1, "a":[1,2]}`))
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	b, err := canonicalizeJSON([]byte("{\n  \"a\": [1, 2],\n  \"b\": 1\n}"))
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected equal canonical forms, got %s and %s", a, b)
	}

	if _, err := canonicalizeJSON([]byte(`{"a":1}{"b":2}`)); err == nil {
		t.Fatalf("expected trailing content to fail")
	}
}

func TestBatchSummaryAdd(t *testing.T) {
	t.Parallel()

	var summary BatchSummary
	for _, outcome := range []Outcome{OutcomeInserted, OutcomeUpdated, OutcomeUnchanged, OutcomeRejected, OutcomeRejected} {
		summary.add(Result{Outcome: outcome})
	}
	if summary.Seen != 5 || summary.Upserted != 2 || summary.Unchanged != 1 || summary.Rejected != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
