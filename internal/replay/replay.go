// Package replay evaluates CSV event batches offline: historical
// datasets, exported incident windows, rule tuning runs. It feeds rows
// through the same engine the live path uses and aggregates a summary.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskgate/internal/engine"
	"riskgate/internal/schema"
)

// Common errors.
var (
	ErrEmptyInput     = errors.New("empty csv input")
	ErrMissingColumns = errors.New("csv missing required columns")
)

// columnAliases maps accepted header names to canonical fields. Legacy
// exports use txn_id/user_id/ip/mcc/country; native exports use the
// event field names.
var columnAliases = map[string]string{
	"event_id":          "event_id",
	"txn_id":            "event_id",
	"principal_id":      "principal_id",
	"user_id":           "principal_id",
	"device_id":         "device_id",
	"event_type":        "event_type",
	"amount":            "amount",
	"merchant_category": "merchant_category",
	"mcc":               "merchant_category",
	"source_ip":         "source_ip",
	"ip":                "source_ip",
	"geo_location":      "geo_location",
	"country":           "geo_location",
	"channel":           "channel",
	"timestamp":         "timestamp",
}

// RowResult is the decision for one CSV row, or the reason it was
// rejected.
type RowResult struct {
	Line     int              `json:"line"`
	Decision *schema.Decision `json:"decision,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Summary aggregates a replay run.
type Summary struct {
	Count    int            `json:"count"`
	Rejected int            `json:"rejected"`
	AvgScore float64        `json:"avg_score"`
	// HighRisk counts decisions scoring at or above the high-risk line.
	HighRisk int            `json:"high_risk"`
	Actions  map[string]int `json:"actions"`
}

// Result is the full outcome of a replay run.
type Result struct {
	Summary Summary     `json:"summary"`
	Rows    []RowResult `json:"results"`
}

// highRiskScore is the summary reporting line, kept from the original
// dataset tooling this replaces.
const highRiskScore = 50

// Replayer drives batches through an engine.
type Replayer struct {
	engine *engine.Engine
	logger *slog.Logger
}

// New creates a replayer.
func New(eng *engine.Engine, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{engine: eng, logger: logger}
}

// Run reads CSV events from r and evaluates them in order. Rows that
// fail to parse or validate are reported per-row and counted, never
// aborting the batch. The context cancels a long replay between rows.
func (rp *Replayer) Run(ctx context.Context, r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	res := &Result{Summary: Summary{Actions: make(map[string]int)}}
	scoreSum := 0
	line := 1

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			res.Rows = append(res.Rows, RowResult{Line: line, Error: err.Error()})
			res.Summary.Rejected++
			continue
		}

		ev, err := eventFromRecord(cols, record)
		if err == nil {
			var d *schema.Decision
			d, err = rp.engine.Evaluate(ctx, ev)
			if err == nil {
				res.Rows = append(res.Rows, RowResult{Line: line, Decision: d})
				res.Summary.Count++
				scoreSum += d.Score
				res.Summary.Actions[string(d.Action)]++
				if d.Score >= highRiskScore {
					res.Summary.HighRisk++
				}
				continue
			}
		}
		res.Rows = append(res.Rows, RowResult{Line: line, Error: err.Error()})
		res.Summary.Rejected++
	}

	if res.Summary.Count > 0 {
		avg := float64(scoreSum) / float64(res.Summary.Count)
		res.Summary.AvgScore = math.Round(avg*100) / 100
	}

	rp.logger.Info("replay finished",
		"evaluated", res.Summary.Count,
		"rejected", res.Summary.Rejected,
		"avg_score", res.Summary.AvgScore,
		"high_risk", res.Summary.HighRisk)
	return res, nil
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if canonical, ok := columnAliases[key]; ok {
			cols[canonical] = i
		}
	}
	for _, required := range []string{"principal_id", "timestamp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumns, required)
		}
	}
	return cols, nil
}

func eventFromRecord(cols map[string]int, record []string) (*schema.Event, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	ev := &schema.Event{
		PrincipalID:      field("principal_id"),
		DeviceID:         field("device_id"),
		EventType:        schema.EventType(field("event_type")),
		MerchantCategory: field("merchant_category"),
		SourceIP:         field("source_ip"),
		GeoLocation:      strings.ToUpper(field("geo_location")),
		Channel:          field("channel"),
	}
	// Legacy txn ids are rarely UUIDs; non-UUID ids get a fresh one
	// from the engine.
	if raw := field("event_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			ev.EventID = id
		}
	}
	if ev.EventType == "" {
		ev.EventType = "transaction"
	}
	if ev.Channel == "" {
		ev.Channel = "api"
	}

	if raw := field("amount"); raw != "" {
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", raw, err)
		}
		ev.Amount = &amount
	}

	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return nil, err
	}
	ev.Timestamp = ts

	return ev, nil
}

// parseTimestamp accepts RFC 3339 or unix seconds.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
