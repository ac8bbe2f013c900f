package model

// RawLine is one complete line read from a tailed log file.
type RawLine struct {
	Text   string `json:"text"`
	Source string `json:"source"` // originating file path
	Start  int64  `json:"start"`  // offset of the first byte of the line
	End    int64  `json:"end"`    // offset just past the line terminator
}
