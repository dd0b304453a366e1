package vision

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/fieldnav/internal/transform"
)

// Trackables is the indexed collection loaded from one dataset bundle.
type Trackables struct {
	Name  string
	items []*Trackable
}

// NewTrackables builds a collection from dataset targets, giving each one a
// DefaultListener. Every trackable starts at the field origin.
func NewTrackables(name string, targets []DatasetTarget, extendedTracking bool) *Trackables {
	ts := &Trackables{Name: name}
	for i, dt := range targets {
		tr := &Trackable{
			Index:    i,
			Name:     dt.Name,
			Location: transform.Origin(),
		}
		tr.Listener = NewDefaultListener(tr, extendedTracking)
		ts.items = append(ts.items, tr)
	}
	return ts
}

// Len returns the number of trackables.
func (ts *Trackables) Len() int { return len(ts.items) }

// Get returns the trackable at a 0-based index.
func (ts *Trackables) Get(index int) (*Trackable, error) {
	if index < 0 || index >= len(ts.items) {
		return nil, fmt.Errorf("vision: dataset %q has no trackable %d (size %d)", ts.Name, index, len(ts.items))
	}
	return ts.items[index], nil
}

// All returns the trackables in index order.
func (ts *Trackables) All() []*Trackable {
	out := make([]*Trackable, len(ts.items))
	copy(out, ts.items)
	return out
}

// VisibleCount counts trackables whose listener reports visible.
func (ts *Trackables) VisibleCount() int {
	n := 0
	for _, tr := range ts.items {
		if tr.Listener != nil && tr.Listener.IsVisible() {
			n++
		}
	}
	return n
}

// DatasetTarget is one target entry of a dataset bundle.
type DatasetTarget struct {
	Kind string // ImageTarget, VuMark, ObjectTarget, ...
	Name string
	Size string
}

type datasetConfig struct {
	XMLName  xml.Name `xml:"QCARConfig"`
	Tracking struct {
		Targets []struct {
			XMLName xml.Name
			Name    string `xml:"name,attr"`
			Size    string `xml:"size,attr"`
		} `xml:",any"`
	} `xml:"Tracking"`
}

// LoadDataset parses the target list of a dataset bundle description (the
// .xml half of an xml/dat pair). Targets keep document order, which is the
// index order used by Trackables.Get.
func LoadDataset(path string) ([]DatasetTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vision: read dataset: %w", err)
	}

	var cfg datasetConfig
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vision: parse dataset %s: %w", path, err)
	}

	targets := make([]DatasetTarget, 0, len(cfg.Tracking.Targets))
	for i, t := range cfg.Tracking.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("vision: dataset %s: target %d (%s) has no name", path, i, t.XMLName.Local)
		}
		targets = append(targets, DatasetTarget{Kind: t.XMLName.Local, Name: t.Name, Size: t.Size})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("vision: dataset %s has no targets", path)
	}
	return targets, nil
}

// DatasetName derives a collection name from a dataset path ("/sdcard/FIRST/Skystone.xml" -> "Skystone").
func DatasetName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
