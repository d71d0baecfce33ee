package model

// PaperView is the reassembly view of one paper: every slot in page
// order with its committed image, followed by extra pages.
type PaperView struct {
	Paper    int          `json:"paper"`
	Complete bool         `json:"complete"`
	Slots    []SlotView   `json:"slots"`
	Extras   []ExtraImage `json:"extras"`
}

// SlotView is one slot of a PaperView.
type SlotView struct {
	PageSlot
	Filled bool   `json:"filled"`
	Image  *Image `json:"image,omitempty"`
}

// BundleSummary counts staging images of a bundle per classification.
type BundleSummary struct {
	Bundle   Bundle                 `json:"bundle"`
	Counts   map[Classification]int `json:"counts"`
	Consumed int                    `json:"consumed"`
}

// PushResult reports the outcome of pushing one staging image.
type PushResult struct {
	StagingID   int64  `json:"staging_id"`
	BundleOrder int    `json:"bundle_order"`
	ImageID     int64  `json:"image_id,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Error       string `json:"error,omitempty"`
}
