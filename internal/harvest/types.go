package harvest

import (
	"errors"
	"net/http"
	"time"

	"github.com/quayside/undertow/internal/extract"
)

// Mode selects which fetch backend serves a request.
type Mode string

// Supported fetch modes.
const (
	// ModeAuto fetches over plain HTTP first and escalates to a browser
	// when the result looks like a script shell.
	ModeAuto Mode = "auto"
	// ModeHTTP forces the plain HTTP backend.
	ModeHTTP Mode = "http"
	// ModeBrowser forces the headless browser backend.
	ModeBrowser Mode = "browser"
)

// ErrInvalidRequest reports a request that cannot be harvested.
var ErrInvalidRequest = errors.New("invalid harvest request")

// Request describes one page to harvest.
type Request struct {
	URL     string      `json:"url"`
	Mode    Mode        `json:"mode,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
}

// PageRecord is the persisted outcome of one harvested page.
type PageRecord struct {
	ID            string        `json:"id"`
	URL           string        `json:"url"`
	FinalURL      string        `json:"final_url"`
	StatusCode    int           `json:"status_code"`
	ContentType   string        `json:"content_type"`
	RenderMode    Mode          `json:"render_mode"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Hash          string        `json:"hash"`
	BlobURI       string        `json:"blob_uri"`
	WordCount     int           `json:"word_count"`
	LinkCount     int           `json:"link_count"`
	FetchDuration time.Duration `json:"fetch_duration"`
	HarvestedAt   time.Time     `json:"harvested_at"`
	Headers       http.Header   `json:"-"`
}

// Result pairs the persisted record with the extracted content.
type Result struct {
	Record   PageRecord       `json:"record"`
	Document extract.Document `json:"document"`
}
