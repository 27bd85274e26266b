package ema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raterudder/apsema/pkg/log"
	"github.com/raterudder/apsema/pkg/types"
)

// endpoint is one portal payload merged into a Mapping.
type endpoint struct {
	name string
	path string
	// timeField is the endpoint's own name for its sample times and timeKey
	// the canonical slot it is renamed to.
	timeField string
	timeKey   string
}

// reportEndpoints are queried in this order; it decides which value wins when
// two endpoints send the same key.
var reportEndpoints = []endpoint{
	{
		name:      "power",
		path:      "ema/ajax/getReportApiAjax/getPowerOnCurrentDayAjax",
		timeField: "time",
		timeKey:   types.TimeKey1,
	},
	{
		name:      "power_parameters",
		path:      "ema/ajax/getReportApiAjax/getPowerWithAllParameterOnCurrentDayAjax",
		timeField: "time",
		timeKey:   types.TimeKey1,
	},
	{
		name:      "energy_five_minutes",
		path:      "ema/ajax/getReportApiAjax/getEnergyEveryFiveMinutesOnCurrentDayAjax",
		timeField: "time",
		timeKey:   types.TimeKey2,
	},
}

var panelEndpoint = endpoint{
	name:      "view_power",
	path:      "ema/ajax/getViewAjax/getViewPowerByViewAjax",
	timeField: "time",
	timeKey:   types.TimeKey1,
}

// Query identifies what FetchAll asks the portal for.
type Query struct {
	ECUID    string
	SystemID string
	ViewID   string
	Date     time.Time
}

// FetchAll queries the three report endpoints and the panel view and merges
// their payloads into one Mapping. A failing endpoint is logged and left out;
// the returned error joins those failures but the Mapping is usable either
// way. Endpoints answering 204 contribute nothing and are not failures.
func (c *Client) FetchAll(ctx context.Context, sess *Session, q Query) (types.Mapping, error) {
	date := q.Date.Format("20060102")
	out := types.Mapping{}
	var errs []error

	form := url.Values{}
	form.Set("queryDate", date)
	form.Set("selectedValue", q.ECUID)
	form.Set("systemId", q.SystemID)
	log.Ctx(ctx).DebugContext(ctx, "fetching ema reports", slog.String("queryDate", date))

	for _, ep := range reportEndpoints {
		m, err := c.fetchReport(ctx, sess, ep, form)
		if err != nil {
			if errors.Is(err, ErrNoDataToday) {
				log.Ctx(ctx).DebugContext(ctx, "no ema data today", slog.String("endpoint", ep.name))
				continue
			}
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch ema endpoint", slog.String("endpoint", ep.name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
			continue
		}
		merge(ctx, out, m, ep)
	}

	panelForm := url.Values{}
	panelForm.Set("date", date)
	panelForm.Set("vid", q.ViewID)
	panelForm.Set("sid", q.SystemID)
	panelForm.Set("iid", "")

	m, err := c.fetchPanels(ctx, sess, panelForm)
	switch {
	case errors.Is(err, ErrNoDataToday):
		log.Ctx(ctx).DebugContext(ctx, "no ema data today", slog.String("endpoint", panelEndpoint.name))
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch ema endpoint", slog.String("endpoint", panelEndpoint.name), slog.Any("error", err))
		errs = append(errs, fmt.Errorf("%s: %w", panelEndpoint.name, err))
	default:
		merge(ctx, out, m, panelEndpoint)
	}

	log.Ctx(ctx).DebugContext(ctx, "fetched ema data", slog.Int("fields", len(out)), slog.Int("failures", len(errs)))
	return out, errors.Join(errs...)
}

// merge copies src into dst. Keys other than the canonical timestamp slots
// are not expected to repeat across endpoints; when they do the later
// endpoint wins and the collision is logged.
func merge(ctx context.Context, dst, src types.Mapping, ep endpoint) {
	for k, v := range src {
		if _, ok := dst[k]; ok && k != types.TimeKey1 && k != types.TimeKey2 {
			log.Ctx(ctx).DebugContext(ctx, "ema field collision", slog.String("field", k), slog.String("endpoint", ep.name))
		}
		dst[k] = v
	}
}

// post sends a form POST and returns the JSON object in the body.
func (c *Client) post(ctx context.Context, sess *Session, ep endpoint, form url.Values) (map[string]json.RawMessage, error) {
	req, err := c.newPostFormRequest(ctx, ep.path, form)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(sess, ep.name, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, ErrNoDataToday
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "undecodable ema body", slog.String("endpoint", ep.name), slog.String("body", snippet(body)))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFormat, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrUpstreamFormat)
	}
	return obj, nil
}

func (c *Client) fetchReport(ctx context.Context, sess *Session, ep endpoint, form url.Values) (types.Mapping, error) {
	obj, err := c.post(ctx, sess, ep, form)
	if err != nil {
		return nil, err
	}
	out := make(types.Mapping, len(obj))
	for k, raw := range obj {
		f, ok, err := decodeField(raw)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping ema field", slog.String("endpoint", ep.name), slog.String("field", k), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		if k == ep.timeField {
			k = ep.timeKey
		}
		out[k] = f
	}
	return out, nil
}

func (c *Client) fetchPanels(ctx context.Context, sess *Session, form url.Values) (types.Mapping, error) {
	obj, err := c.post(ctx, sess, panelEndpoint, form)
	if err != nil {
		return nil, err
	}

	raw, ok := obj["detail"]
	if !ok {
		return nil, fmt.Errorf("%w: missing detail", ErrUpstreamFormat)
	}
	var detail string
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("%w: detail is not a string", ErrUpstreamFormat)
	}
	out, err := ParseDetail(detail)
	if err != nil {
		return nil, err
	}

	if raw, ok := obj[panelEndpoint.timeField]; ok {
		f, ok, err := decodeField(raw)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping ema field", slog.String("endpoint", panelEndpoint.name), slog.String("field", panelEndpoint.timeField), slog.Any("error", err))
		} else if ok {
			out[panelEndpoint.timeKey] = f
		}
	}
	return out, nil
}

// ParseDetail parses the panel view detail string, formatted as
// "name1/v1,v2,...&name2/v1,v2,...", into one list-valued field per panel.
func ParseDetail(detail string) (types.Mapping, error) {
	out := types.Mapping{}
	for _, group := range strings.Split(detail, "&") {
		if group == "" {
			continue
		}
		name, data, ok := strings.Cut(group, "/")
		if !ok || name == "" || strings.Contains(data, "/") {
			return nil, fmt.Errorf("%w: malformed detail group %q", ErrUpstreamFormat, group)
		}
		var values []string
		if data != "" {
			values = strings.Split(data, ",")
		}
		out[name] = types.List(values...)
	}
	return out, nil
}

// decodeField converts one JSON value into a Field. ok is false for values
// that carry nothing (null).
func decodeField(raw json.RawMessage) (types.Field, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.Field{}, false, nil
	}
	switch raw[0] {
	case 'n':
		return types.Field{}, false, nil
	case '{':
		return types.Field{}, false, fmt.Errorf("%w: nested object", ErrUpstreamFormat)
	case '[':
		vs, err := decodeList(raw)
		if err != nil {
			return types.Field{}, false, err
		}
		return types.List(vs...), true, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return types.Field{}, false, fmt.Errorf("%w: %v", ErrUpstreamFormat, err)
		}
		// some report fields are arrays encoded inside a string
		if t := strings.TrimSpace(s); strings.HasPrefix(t, "[") {
			if vs, err := decodeList([]byte(t)); err == nil {
				return types.List(vs...), true, nil
			}
		}
		return types.Scalar(s), true, nil
	default:
		// numbers and booleans keep their exact text
		return types.Scalar(string(raw)), true, nil
	}
}

func decodeList(raw []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFormat, err)
	}
	vs := make([]string, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		switch {
		case len(item) == 0 || item[0] == 'n':
			// keep the position so the list stays aligned with its time slot
			vs = append(vs, "")
		case item[0] == '"':
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamFormat, err)
			}
			vs = append(vs, s)
		case item[0] == '[' || item[0] == '{':
			return nil, fmt.Errorf("%w: nested list element", ErrUpstreamFormat)
		default:
			vs = append(vs, string(item))
		}
	}
	return vs, nil
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
