package archive

// Request shape we send to the retrieve API.
type executeRequest struct {
	Inputs executeInputs `json:"inputs"`
}

type executeInputs struct {
	Variable   []string      `json:"variable"`
	Location   inputLocation `json:"location"`
	Date       []string      `json:"date"`
	DataFormat string        `json:"data_format"`
}

type inputLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Job states reported by the retrieve API.
const (
	statusAccepted   = "accepted"
	statusRunning    = "running"
	statusSuccessful = "successful"
	statusFailed     = "failed"
	statusRejected   = "rejected"
	statusDismissed  = "dismissed"
)

type jobStatus struct {
	JobID     string `json:"jobID"`
	ProcessID string `json:"processID,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type jobResults struct {
	Asset struct {
		Value struct {
			Href string `json:"href"`
			Type string `json:"type,omitempty"`
			Size int64  `json:"file:size,omitempty"`
		} `json:"value"`
	} `json:"asset"`
}
