package models

// Upload is the result of storing an attachment. URL is what goes into a
// message's content.
type Upload struct {
	URL      string      `json:"url"`
	Kind     MessageKind `json:"kind"`
	Filename string      `json:"filename"`
	Size     int64       `json:"size"`
	MimeType string      `json:"mime_type"`
}
