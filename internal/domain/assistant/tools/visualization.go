package tools

import (
	"sort"
	"time"

	"github.com/ehr/assistant/internal/domain/clinical"
)

// Visualization is a chart spec the client renders next to the answer.
type Visualization struct {
	Type   string   `json:"type"`
	Title  string   `json:"title"`
	Series []Series `json:"series"`
}

type Series struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit"`
	Points []Point `json:"points"`
}

type Point struct {
	T time.Time `json:"t"`
	V float64   `json:"v"`
}

// vitalsChart groups readings into one line series per kind.
func vitalsChart(vitals []*clinical.VitalSign) *Visualization {
	if len(vitals) == 0 {
		return nil
	}
	byKind := map[string]*Series{}
	for _, v := range vitals {
		s, ok := byKind[v.Kind]
		if !ok {
			s = &Series{Name: v.Kind, Unit: v.Unit}
			byKind[v.Kind] = s
		}
		s.Points = append(s.Points, Point{T: v.RecordedAt.UTC(), V: v.Value})
	}
	viz := &Visualization{Type: "line", Title: "Vital signs"}
	for _, s := range byKind {
		sort.Slice(s.Points, func(i, j int) bool { return s.Points[i].T.Before(s.Points[j].T) })
		viz.Series = append(viz.Series, *s)
	}
	sort.Slice(viz.Series, func(i, j int) bool { return viz.Series[i].Name < viz.Series[j].Name })
	return viz
}
