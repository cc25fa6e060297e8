package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"biobank.org/internal/fault"
)

// Params is the flattened view of a request's inputs. Scalar values land
// in Values regardless of how the client encoded them; multipart file
// parts are preserved byte-for-byte in Files under their field name.
type Params struct {
	Values map[string]string
	Files  map[string][]byte
}

func (p Params) Get(key string) string { return p.Values[key] }

// Has reports whether the key arrived with a non-empty value or as a
// file part.
func (p Params) Has(key string) bool {
	if v, ok := p.Values[key]; ok && v != "" {
		return true
	}
	_, ok := p.Files[key]
	return ok
}

// Missing returns the required keys the request did not supply, in the
// order they were declared.
func (p Params) Missing(required []string) []string {
	var out []string
	for _, key := range required {
		if !p.Has(key) {
			out = append(out, key)
		}
	}
	return out
}

const maxMultipartMemory = 10 << 20

// DecodeParams flattens the request by content type: the query string
// always contributes, and mutating requests additionally contribute a
// JSON, url-encoded, or multipart body. Body values win over query
// values on key collision.
func DecodeParams(r *http.Request) (Params, error) {
	p := Params{Values: make(map[string]string), Files: make(map[string][]byte)}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			p.Values[key] = vals[0]
		}
	}
	if r.Method == http.MethodGet || r.Method == http.MethodDelete || r.Body == nil {
		return p, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return p, nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return Params{}, fault.InvalidRequest("malformed Content-Type header")
	}

	switch {
	case mediaType == "application/json":
		if err := decodeJSONBody(r, &p); err != nil {
			return Params{}, err
		}
	case mediaType == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return Params{}, fault.InvalidRequest("malformed url-encoded body")
		}
		for key, vals := range r.PostForm {
			if len(vals) > 0 {
				p.Values[key] = vals[0]
			}
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := decodeMultipartBody(r, &p); err != nil {
			return Params{}, err
		}
	default:
		return Params{}, fault.InvalidRequest(fmt.Sprintf("unsupported content type %s", mediaType))
	}
	return p, nil
}

func decodeJSONBody(r *http.Request, p *Params) error {
	raw := make(map[string]any)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return fault.InvalidRequest("malformed JSON body")
	}
	for key, val := range raw {
		switch v := val.(type) {
		case string:
			p.Values[key] = v
		case bool:
			p.Values[key] = strconv.FormatBool(v)
		case float64:
			p.Values[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case nil:
			// absent, not empty
		default:
			return fault.InvalidRequest(fmt.Sprintf("parameter %s is not a scalar", key))
		}
	}
	return nil
}

func decodeMultipartBody(r *http.Request, p *Params) error {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return fault.InvalidRequest("malformed multipart body")
	}
	for key, vals := range r.MultipartForm.Value {
		if len(vals) > 0 {
			p.Values[key] = vals[0]
		}
	}
	for key, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		f, err := headers[0].Open()
		if err != nil {
			return fault.InvalidRequest(fmt.Sprintf("unreadable file part %s", key))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fault.InvalidRequest(fmt.Sprintf("unreadable file part %s", key))
		}
		p.Files[key] = data
	}
	return nil
}
