package protocol

import "time"

// ConvertRequest asks the narrator service to process a document. Mode
// selects the stage: "convert" (default), "extract" or "synthesize". For
// "synthesize" Text is spoken and the document fields are ignored.
type ConvertRequest struct {
	RequestID      string `json:"request_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	DocumentBase64 string `json:"document_base64,omitempty"`
	MediaType      string `json:"media_type,omitempty"`
	Text           string `json:"text,omitempty"`
	Language       string `json:"language,omitempty"`
	Voice          string `json:"voice,omitempty"`
}

// ConvertReply is sent to the requester's reply subject and broadcast on
// SubjectConvertDone. Error, Kind and Step are set only on failure.
type ConvertReply struct {
	RequestID    string    `json:"request_id,omitempty"`
	ConversionID string    `json:"conversion_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	AudioBase64  string    `json:"audio_base64,omitempty"`
	Chunks       int       `json:"chunks,omitempty"`
	Pages        int       `json:"pages,omitempty"`
	Error        string    `json:"error,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Step         string    `json:"step,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConvertStatus is the compact completion notice broadcast without payloads.
type ConvertStatus struct {
	RequestID    string    `json:"request_id,omitempty"`
	ConversionID string    `json:"conversion_id,omitempty"`
	Mode         string    `json:"mode"`
	Completed    bool      `json:"completed"`
	Kind         string    `json:"kind,omitempty"`
	AudioBytes   int       `json:"audio_bytes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	ModeConvert    = "convert"
	ModeExtract    = "extract"
	ModeSynthesize = "synthesize"
)

const (
	SubjectConvertRequest = "narrator.convert.request"
	SubjectConvertDone    = "narrator.convert.done"
)

// NodeAnnouncement advertises a narrator replica and the backends it runs.
type NodeAnnouncement struct {
	NodeID         string    `json:"node_id"`
	Version        string    `json:"version,omitempty"`
	OCRMode        string    `json:"ocr_mode"`
	TTSMode        string    `json:"tts_mode"`
	Voice          string    `json:"voice"`
	Language       string    `json:"language"`
	MaxConcurrency int       `json:"max_concurrency"`
	Timestamp      time.Time `json:"timestamp"`
}

type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "narrator.node.announce"
	SubjectNodeHeartbeatPrefix = "narrator.node.heartbeat"
)
