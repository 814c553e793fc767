package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/gin-gonic/gin"
)

// ----- Requests -----

type filterRequest struct {
	Kind     *string `json:"kind"`
	Contains *string `json:"contains"`
	Regex    *string `json:"regex"`
}

func (r filterRequest) toPatch() (logbroker.FilterPatch, error) {
	p := logbroker.FilterPatch{TextContains: r.Contains, Regex: r.Regex}
	if r.Kind != nil {
		kind, err := logentry.ParseKindFilter(*r.Kind)
		if err != nil {
			return p, err
		}
		p.Kind = &kind
	}
	return p, nil
}

type formatRequest struct {
	Format    *string `json:"format"` // json | text
	StripANSI *bool   `json:"strip_ansi"`
	Timestamp *bool   `json:"timestamp"`
	ShowKind  *bool   `json:"show_kind"`
}

func (r formatRequest) toPatch() (logbroker.FormatPatch, error) {
	p := logbroker.FormatPatch{StripANSI: r.StripANSI, IncludeTimestamp: r.Timestamp, IncludeKind: r.ShowKind}
	if r.Format != nil {
		asJSON, err := parseFormatName(*r.Format)
		if err != nil {
			return p, err
		}
		p.AsJSON = &asJSON
	}
	return p, nil
}

type optionsRequest struct {
	Filter *filterRequest `json:"filter"`
	Format *formatRequest `json:"format"`
}

func parseFormatName(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return true, nil
	case "text":
		return false, nil
	}
	return false, fmt.Errorf("format must be json or text, got %q", s)
}

// parseFlag accepts a bare flag (?strip_ansi) as true.
func parseFlag(name, v string) (bool, error) {
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, v)
	}
	return b, nil
}

func filterPatchFromQuery(c *gin.Context) (logbroker.FilterPatch, error) {
	var r filterRequest
	if v, ok := c.GetQuery("kind"); ok {
		r.Kind = &v
	}
	if v, ok := c.GetQuery("contains"); ok {
		r.Contains = &v
	}
	if v, ok := c.GetQuery("regex"); ok {
		r.Regex = &v
	}
	return r.toPatch()
}

func formatPatchFromQuery(c *gin.Context) (logbroker.FormatPatch, error) {
	var r formatRequest
	if v, ok := c.GetQuery("format"); ok {
		r.Format = &v
	}
	for _, q := range []struct {
		name string
		dst  **bool
	}{
		{"strip_ansi", &r.StripANSI},
		{"timestamp", &r.Timestamp},
		{"show_kind", &r.ShowKind},
	} {
		v, ok := c.GetQuery(q.name)
		if !ok {
			continue
		}
		b, err := parseFlag(q.name, v)
		if err != nil {
			return logbroker.FormatPatch{}, err
		}
		*q.dst = &b
	}
	return r.toPatch()
}

// ----- Views -----

type filterView struct {
	Kind     logentry.KindFilter `json:"kind"`
	Contains string              `json:"contains,omitempty"`
	Regex    string              `json:"regex,omitempty"`
}

type formatView struct {
	Format    string `json:"format"`
	StripANSI bool   `json:"strip_ansi"`
	Timestamp bool   `json:"timestamp"`
	ShowKind  bool   `json:"show_kind"`
}

type connectionView struct {
	ConnectionID  string     `json:"connection_id"`
	Authenticated bool       `json:"authenticated"`
	Subscriptions []string   `json:"subscriptions"`
	Filter        filterView `json:"filter"`
	Format        formatView `json:"format"`
	Queued        int        `json:"queued"`
}

func newFilterView(f logentry.FilterOptions) filterView {
	kind := f.Kind
	if kind == "" {
		kind = logentry.KindAll
	}
	return filterView{Kind: kind, Contains: f.TextContains, Regex: f.Pattern()}
}

func newFormatView(f logentry.FormatOptions) formatView {
	name := "text"
	if f.AsJSON {
		name = "json"
	}
	return formatView{Format: name, StripANSI: f.StripANSI, Timestamp: f.IncludeTimestamp, ShowKind: f.IncludeKind}
}

func newConnectionView(st logbroker.ConnectionState) connectionView {
	return connectionView{
		ConnectionID:  st.ID,
		Authenticated: st.Authenticated,
		Subscriptions: st.Subscriptions,
		Filter:        newFilterView(st.Filter),
		Format:        newFormatView(st.Format),
		Queued:        st.QueueLen,
	}
}
