package facility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const LCOName = "LCO"

// Reduction level of processed LCO frames.
const lcoReducedLevel = 91

var lcoTerminal = map[string]bool{
	"COMPLETED":             true,
	"WINDOW_EXPIRED":        true,
	"CANCELED":              true,
	"FAILURE_LIMIT_REACHED": true,
}

type LCOConfig struct {
	PortalURL  string
	ArchiveURL string
	Token      string
	HTTPClient *http.Client
}

// LCO is a client for the Las Cumbres Observatory portal and archive.
type LCO struct {
	portal  string
	archive string
	token   string
	http    *http.Client
}

func NewLCO(cfg LCOConfig) *LCO {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	portal := cfg.PortalURL
	if portal == "" {
		portal = "https://observe.lco.global"
	}
	archive := cfg.ArchiveURL
	if archive == "" {
		archive = "https://archive-api.lco.global"
	}
	return &LCO{
		portal:  strings.TrimRight(portal, "/"),
		archive: strings.TrimRight(archive, "/"),
		token:   cfg.Token,
		http:    hc,
	}
}

func (l *LCO) Name() string { return LCOName }

func (l *LCO) Terminal(status string) bool { return lcoTerminal[status] }

func (l *LCO) Submit(ctx context.Context, fields map[string]any) ([]string, error) {
	var resp struct {
		ID       int64 `json:"id"`
		Requests []struct {
			ID int64 `json:"id"`
		} `json:"requests"`
	}
	if err := l.do(ctx, http.MethodPost, l.portal+"/api/requestgroups/", requestGroup(fields), &resp); err != nil {
		return nil, fmt.Errorf("submit observation: %w", err)
	}
	ids := make([]string, len(resp.Requests))
	for i, r := range resp.Requests {
		ids[i] = strconv.FormatInt(r.ID, 10)
	}
	return ids, nil
}

func (l *LCO) Status(ctx context.Context, observationID string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := l.do(ctx, http.MethodGet, l.portal+"/api/requests/"+url.PathEscape(observationID)+"/", nil, &resp); err != nil {
		return "", fmt.Errorf("observation %s status: %w", observationID, err)
	}
	return resp.State, nil
}

func (l *LCO) Frames(ctx context.Context, observationID string) ([]Frame, error) {
	var resp struct {
		Results []struct {
			ID       int64  `json:"id"`
			Filename string `json:"filename"`
			DateObs  string `json:"DATE_OBS"`
			URL      string `json:"url"`
			RLevel   int    `json:"RLEVEL"`
		} `json:"results"`
	}
	q := url.Values{"request_id": {observationID}, "limit": {"1000"}}
	if err := l.do(ctx, http.MethodGet, l.archive+"/frames/?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("observation %s frames: %w", observationID, err)
	}
	frames := make([]Frame, 0, len(resp.Results))
	for _, r := range resp.Results {
		at, _ := time.Parse(time.RFC3339Nano, r.DateObs)
		frames = append(frames, Frame{
			ID:         r.ID,
			Filename:   r.Filename,
			URL:        r.URL,
			ObservedAt: at,
			Reduced:    r.RLevel == lcoReducedLevel,
		})
	}
	return frames, nil
}

func (l *LCO) Download(ctx context.Context, f Frame, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	res, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Filename, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", f.Filename, res.Status)
	}
	if _, err := io.Copy(w, res.Body); err != nil {
		return fmt.Errorf("download %s: %w", f.Filename, err)
	}
	return nil
}

func (l *LCO) do(ctx context.Context, method, u string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Token "+l.token)
	}
	res, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, u, res.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// requestGroup turns flat imaging form fields into an LCO request group.
func requestGroup(f map[string]any) map[string]any {
	return map[string]any{
		"name":             f["name"],
		"proposal":         f["proposal"],
		"ipp_value":        f["ipp_value"],
		"operator":         "SINGLE",
		"observation_type": "NORMAL",
		"requests": []any{map[string]any{
			"configurations": []any{map[string]any{
				"type":            "EXPOSE",
				"instrument_type": f["instrument_type"],
				"target":          targetFields(f),
				"constraints": map[string]any{
					"max_airmass": f["max_airmass"],
				},
				"instrument_configs": []any{map[string]any{
					"exposure_count": f["exposure_count"],
					"exposure_time":  f["exposure_time"],
					"optical_elements": map[string]any{
						"filter": f["filter"],
					},
				}},
				"acquisition_config": map[string]any{},
				"guiding_config":     map[string]any{},
			}},
			"windows": []any{map[string]any{
				"start": f["start"],
				"end":   f["end"],
			}},
			"location": map[string]any{"telescope_class": telescopeClass(f["instrument_type"])},
		}},
	}
}

func targetFields(f map[string]any) map[string]any {
	t := map[string]any{"type": "ICRS"}
	for _, k := range []string{"target_name", "ra", "dec"} {
		if v, ok := f[k]; ok {
			t[strings.TrimPrefix(k, "target_")] = v
		}
	}
	return t
}

// telescopeClass is the aperture prefix of an instrument type, e.g. 0M4-SCICAM-SBIG -> 0m4.
func telescopeClass(instrument any) string {
	s, _ := instrument.(string)
	if len(s) < 3 {
		return ""
	}
	return strings.ToLower(s[:3])
}

// Schema is the imaging form of the LCO facility.
func (l *LCO) Schema() map[string]any {
	str := map[string]any{"type": "string", "minLength": 1}
	return map[string]any{
		"type": "object",
		"required": []any{
			"name", "proposal", "ipp_value", "observation_mode", "start", "end",
			"instrument_type", "filter", "exposure_count", "exposure_time", "max_airmass",
		},
		"properties": map[string]any{
			"name":             str,
			"proposal":         str,
			"ipp_value":        map[string]any{"type": "number", "minimum": 0.5, "maximum": 2},
			"observation_mode": map[string]any{"enum": []any{"NORMAL", "RAPID_RESPONSE", "TIME_CRITICAL"}},
			"start":            str,
			"end":              str,
			"instrument_type":  str,
			"filter":           str,
			"exposure_count":   map[string]any{"type": "integer", "minimum": 1},
			"exposure_time":    map[string]any{"type": "number", "exclusiveMinimum": 0},
			"max_airmass":      map[string]any{"type": "number", "minimum": 1},
		},
	}
}
