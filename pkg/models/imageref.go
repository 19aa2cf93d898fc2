package models

// ImageRef tracks how many live variants reference a stored binary object.
// The row is created on first reference and removed once the count reaches
// zero and physical deletion has been attempted. The count is advisory
// bookkeeping, not the source of truth for object existence.
type ImageRef struct {
	ObjectKey string `json:"object_key"`
	RefCount  int64  `json:"ref_count"`
}
