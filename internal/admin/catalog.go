package admin

import (
	"time"

	"semgate/internal/catalog"
)

// CatalogView is the JSON shape of a catalog snapshot.
type CatalogView struct {
	Database   string       `json:"database"`
	Version    uint64       `json:"version"`
	BuiltAt    time.Time    `json:"built_at"`
	AgeSeconds float64      `json:"age_seconds"`
	Schemas    []SchemaView `json:"schemas"`
}

// SchemaView describes one virtual schema.
type SchemaView struct {
	Name        string      `json:"name"`
	Model       string      `json:"model"`
	Description string      `json:"description,omitempty"`
	BaseTable   string      `json:"base_table"`
	Tables      []TableView `json:"tables"`
}

// TableView describes the fact table or a metric view.
type TableView struct {
	Name    string       `json:"name"`
	Kind    string       `json:"kind"`
	Columns []ColumnView `json:"columns"`
}

// ColumnView describes one virtual column and the element behind it.
type ColumnView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	OID         uint32 `json:"oid"`
	Element     string `json:"element"`
	Description string `json:"description,omitempty"`
}

// DescribeCatalog renders snap for display.
func DescribeCatalog(snap *catalog.Snapshot, now time.Time) CatalogView {
	view := CatalogView{
		Database:   snap.Database,
		Version:    snap.Version,
		BuiltAt:    snap.BuiltAt.UTC(),
		AgeSeconds: snap.Age(now).Seconds(),
		Schemas:    make([]SchemaView, 0, len(snap.Schemas)),
	}
	for _, s := range snap.Schemas {
		sv := SchemaView{
			Name:        s.Name,
			Model:       s.Model.Name,
			Description: s.Model.Description,
			BaseTable:   s.Model.BaseTable,
		}
		for _, t := range s.Tables {
			tv := TableView{Name: t.Name, Kind: string(t.Kind)}
			for _, c := range t.Columns {
				tv.Columns = append(tv.Columns, ColumnView{
					Name:        c.Name,
					Type:        c.Type.Name,
					OID:         c.Type.OID,
					Element:     string(c.Element),
					Description: c.Description,
				})
			}
			sv.Tables = append(sv.Tables, tv)
		}
		view.Schemas = append(view.Schemas, sv)
	}
	return view
}
