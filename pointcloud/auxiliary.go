package pointcloud

import (
	"fmt"
	"sync"
)

// Image formats used in auxiliary item descriptions.
const (
	FormatBGRA = "BGRA"
	FormatZ16  = "Z16"
)

// AuxiliaryItem is a named blob carried alongside a merged cloud, such as the raw
// color or depth image of one camera.
type AuxiliaryItem struct {
	Name        string
	Description string
	Data        []byte
}

// ImageDescription formats the description of a raw image item.
func ImageDescription(width, height, stride, bpp int, format string) string {
	return fmt.Sprintf("width=%d,height=%d,stride=%d,bpp=%d,format=%s", width, height, stride, bpp, format)
}

// AuxiliaryData is the set of auxiliary items of one merged cloud. Cameras insert
// their items concurrently from their processing goroutines.
type AuxiliaryData struct {
	mu    sync.Mutex
	items []AuxiliaryItem
}

// NewAuxiliaryData returns an empty set.
func NewAuxiliaryData() *AuxiliaryData {
	return &AuxiliaryData{}
}

// Insert adds an item. The data is stored as given and must not be modified afterwards.
func (ad *AuxiliaryData) Insert(name, description string, data []byte) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	ad.items = append(ad.items, AuxiliaryItem{Name: name, Description: description, Data: data})
}

// Count returns the number of items.
func (ad *AuxiliaryData) Count() int {
	if ad == nil {
		return 0
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	return len(ad.items)
}

// Items returns a copy of the item list.
func (ad *AuxiliaryData) Items() []AuxiliaryItem {
	if ad == nil {
		return nil
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	return append([]AuxiliaryItem(nil), ad.items...)
}

// Get returns the first item with the given name.
func (ad *AuxiliaryData) Get(name string) (AuxiliaryItem, bool) {
	for _, item := range ad.Items() {
		if item.Name == name {
			return item, true
		}
	}
	return AuxiliaryItem{}, false
}
