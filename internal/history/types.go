package history

import "time"

// FlashRecord captures the outcome of one flash job.
type FlashRecord struct {
	Address   string    `json:"address"`
	Board     string    `json:"board"`
	Variant   string    `json:"variant,omitempty"`
	Firmware  string    `json:"firmware"`
	Version   string    `json:"version"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Duration  string    `json:"duration"`
	Error     string    `json:"error,omitempty"`
	Warning   string    `json:"warning,omitempty"`
}

// DownloadRecord captures the outcome of one firmware download.
type DownloadRecord struct {
	Firmware  string    `json:"firmware"`
	Board     string    `json:"board"`
	Version   string    `json:"version"`
	Source    string    `json:"source,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}
