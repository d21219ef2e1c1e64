package mapsync

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// CommandType identifies an outbound instruction to the map widget.
type CommandType string

const (
	// CommandFilter sets the widget's filter options.
	CommandFilter CommandType = "filter"
	// CommandReset clears the widget's own selection and filter state.
	CommandReset CommandType = "reset"
	// CommandHighlight focuses one ticket and its section on the canvas.
	CommandHighlight CommandType = "highlight"
	// CommandClearHighlight drops the current focus.
	CommandClearHighlight CommandType = "clear_highlight"
)

// Command is sent to the map widget's control surface. It never expects a
// synchronous answer.
type Command struct {
	Type        CommandType      `json:"type"`
	VenueLevels []string         `json:"venue_levels,omitempty"`
	MinPrice    *decimal.Decimal `json:"min_price,omitempty"`
	MaxPrice    *decimal.Decimal `json:"max_price,omitempty"`
	Focus       *Focus           `json:"focus,omitempty"`
}

// Focus names the ticket a highlight command points at.
type Focus struct {
	TicketID  string  `json:"ticket_id"`
	SectionID string  `json:"section_id,omitempty"`
	CenterX   float64 `json:"center_x"`
	CenterY   float64 `json:"center_y"`
}

// filterCommand builds the widget filter options for an applied slice.
func filterCommand(f model.Filters) Command {
	lo, hi := f.PriceRange.Min, f.PriceRange.Max
	levels := f.VenueLevels
	if levels == nil {
		levels = []string{}
	}
	return Command{
		Type:        CommandFilter,
		VenueLevels: levels,
		MinPrice:    &lo,
		MaxPrice:    &hi,
	}
}

// highlightCommand focuses t. The caller checks t.OnMap first.
func highlightCommand(t model.MergedTicket) Command {
	f := &Focus{TicketID: t.ID, SectionID: t.SectionID}
	if t.Section != nil {
		if f.SectionID == "" {
			f.SectionID = t.Section.ID
		}
		f.CenterX, f.CenterY = t.Section.CenterX, t.Section.CenterY
	}
	return Command{Type: CommandHighlight, Focus: f}
}

// EventType identifies an inbound callback from the map widget.
type EventType string

const (
	// EventReady is sent once the widget finished loading the venue map.
	EventReady EventType = "ready"
	// EventGone is sent when the widget unloads.
	EventGone EventType = "gone"
	// EventTicketsUpdated carries the widget's current in-view ticket list.
	EventTicketsUpdated EventType = "tickets_updated"
	// EventSectionClick is a click on a section of the canvas.
	EventSectionClick EventType = "section_click"
	// EventRowClick is a click on a seat row; it acts on the row's section.
	EventRowClick EventType = "row_click"
	// EventReset is the widget's own reset button.
	EventReset EventType = "reset"
)

// Event is one inbound callback. Which fields are set depends on Type.
type Event struct {
	Type EventType `json:"type"`

	// tickets_updated
	Tickets          []MapTicket `json:"tickets,omitempty"`
	LegendSelected   int         `json:"legend_selected,omitempty"`
	SelectionsInView int         `json:"selections_in_view,omitempty"`

	// section_click, row_click
	Section  *SectionRef `json:"section,omitempty"`
	Row      string      `json:"row,omitempty"`
	Selected *bool       `json:"selected,omitempty"`
	ClearAll bool        `json:"clear_all,omitempty"`
}

// SectionRef is the section identity attached to click events. The widget
// is inconsistent about which name field it fills.
type SectionRef struct {
	ID              model.Flex `json:"id,omitempty"`
	CanonicalName   string     `json:"canonicalName,omitempty"`
	SectionName     string     `json:"sectionName,omitempty"`
	Name            string     `json:"name,omitempty"`
	UserSectionName string     `json:"userSectionName,omitempty"`
}

// DisplayName picks the first non-empty name field.
func (s *SectionRef) DisplayName() string {
	if s == nil {
		return ""
	}
	for _, n := range []string{s.CanonicalName, s.SectionName, s.Name, s.UserSectionName} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return ""
}

// MapTicket is a ticket as echoed back by the widget, enriched with the
// facts it resolved while laying the ticket out.
type MapTicket struct {
	ID        model.Flex  `json:"tgID"`
	Color     string      `json:"tgColor,omitempty"`
	Section   *MapSection `json:"section,omitempty"`
	SectionID model.Flex  `json:"ticket_section_id,omitempty"`
}

// MapSection is the widget's section record.
type MapSection struct {
	ID            model.Flex `json:"id"`
	Name          string     `json:"name,omitempty"`
	CanonicalName string     `json:"canonicalName,omitempty"`
	Code          string     `json:"code,omitempty"`
	CenterX       float64    `json:"centerX,omitempty"`
	CenterY       float64    `json:"centerY,omitempty"`
	Level         *MapLevel  `json:"level,omitempty"`
}

// MapLevel is the venue level a widget section belongs to.
type MapLevel struct {
	ID    model.Flex `json:"id"`
	Name  string     `json:"name,omitempty"`
	Color string     `json:"color,omitempty"`
}

// Fact converts the wire ticket into a map fact. ok is false when the
// ticket carries no identifier.
func (t MapTicket) Fact() (model.MapFact, bool) {
	id := strings.TrimSpace(t.ID.String())
	if id == "" {
		return model.MapFact{}, false
	}
	f := model.MapFact{
		TicketID:  id,
		Color:     t.Color,
		SectionID: t.SectionID.String(),
	}
	if s := t.Section; s != nil {
		f.Section = &model.Section{
			ID:            s.ID.String(),
			Name:          s.Name,
			CanonicalName: s.CanonicalName,
			Code:          s.Code,
			CenterX:       s.CenterX,
			CenterY:       s.CenterY,
		}
		if s.Level != nil {
			f.Section.Level = &model.Level{ID: s.Level.ID.String(), Name: s.Level.Name, Color: s.Level.Color}
		}
		f.SectionName = s.CanonicalName
		if f.SectionName == "" {
			f.SectionName = s.Name
		}
	}
	return f, true
}
