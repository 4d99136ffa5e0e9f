package types

type OK struct {
	IsOK bool   `json:"ok"`
	ID   string `json:"id,omitempty"`
	Rev  string `json:"rev,omitempty"`
}

type CouchDBError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Document represents a single document returned by Get
type BaseDocument struct {
	// Rev is the revision number returned
	UnderscoreRev string `json:"_rev,omitempty"`
	UnderscoreID  string `json:"_id,omitempty"`
}
