package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Collaborate with the local Rhizome REST endpoint: pull
 *		bundle listings using a resumable progressive-fetch
 *		token, and push completed bundles back.
 *
 * Description:	Pulls are incremental when a token is in hand, with an
 *		occasional forced full listing to recover from a token
 *		that has drifted out of sync, and a guard against
 *		adopting a token from a listing that was cut short by
 *		the time budget.
 *
 *------------------------------------------------------------------*/

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	rhizomeListTimeout = 2000 * time.Millisecond
	rhizomePushTimeout = 15000 * time.Millisecond

	// tokenIgnoreWindow: if the gap between the last byte read and "now"
	// is under this, the producer was still emitting when the read
	// loop's budget expired, so the list is presumed incomplete.
	tokenIgnoreWindow = 100 * time.Millisecond

	// fullResyncChance: on each Pull, even with a token in hand, force
	// a full listing with this probability, to recover from a token
	// that has fallen out of sync with reality.
	fullResyncChance = 1.0 / 16.0
)

// RhizomeClient talks to the local Rhizome REST endpoint.
type RhizomeClient struct {
	Server     string // e.g. "http://localhost:4110"
	Credential string // HTTP Basic auth "user:pass", may be empty

	HTTPClient *http.Client // defaults to http.DefaultClient if nil
	Rand       *rand.Rand   // defaults to a package-level source if nil

	// ListTimeout and PushTimeout override the default per-call
	// budgets when non-zero; tests shrink them.
	ListTimeout time.Duration
	PushTimeout time.Duration

	token string // progressive-fetch cursor; empty means "from scratch"
}

func (rc *RhizomeClient) listTimeout() time.Duration {
	if rc.ListTimeout > 0 {
		return rc.ListTimeout
	}
	return rhizomeListTimeout
}

func (rc *RhizomeClient) pushTimeout() time.Duration {
	if rc.PushTimeout > 0 {
		return rc.PushTimeout
	}
	return rhizomePushTimeout
}

func (rc *RhizomeClient) client() *http.Client {
	if rc.HTTPClient != nil {
		return rc.HTTPClient
	}
	return http.DefaultClient
}

func (rc *RhizomeClient) chance() float64 {
	if rc.Rand != nil {
		return rc.Rand.Float64()
	}
	return rand.Float64() //nolint:gosec
}

// Token returns the current progressive-fetch cursor, mostly for
// tests and the status page.
func (rc *RhizomeClient) Token() string { return rc.token }

func (rc *RhizomeClient) setAuth(req *http.Request) {
	if rc.Credential == "" {
		return
	}
	user, pass, _ := strings.Cut(rc.Credential, ":")
	req.SetBasicAuth(user, pass)
}

// lastReadTracker wraps an io.Reader, remembering the wall-clock time
// of the most recent successful Read - used to detect a GET that is
// still streaming when its context deadline fires.
type lastReadTracker struct {
	r        io.Reader
	lastRead time.Time
}

func (t *lastReadTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.lastRead = time.Now()
	}
	return n, err
}

// httpGetSimple performs a bounded-timeout GET and returns the status
// code, the body, whether reading was cut short by the time budget,
// and how long before "now" the last byte was read - the signals the
// token-gating rule in Pull needs.
func (rc *RhizomeClient) httpGetSimple(ctx context.Context, path string, timeout time.Duration) (status int, body []byte, truncated bool, sinceLastRead time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.Server+path, nil)
	if err != nil {
		return 0, nil, false, 0, err
	}
	rc.setAuth(req)

	resp, err := rc.client().Do(req)
	if err != nil {
		// Do itself failing means we got nothing at all.
		return 0, nil, false, 0, err
	}
	defer resp.Body.Close()

	tracker := &lastReadTracker{r: resp.Body, lastRead: time.Now()}
	data, readErr := io.ReadAll(tracker)
	now := time.Now()

	if readErr != nil {
		if len(data) == 0 {
			return resp.StatusCode, nil, false, now.Sub(tracker.lastRead), readErr
		}
		// The budget expired (or the connection broke) mid-read;
		// whatever was buffered is still usable, but the caller must
		// treat the document as incomplete.
		truncated = true
	}

	return resp.StatusCode, data, truncated, now.Sub(tracker.lastRead), nil
}

// BundleRow is one parsed row of a Rhizome bundlelist.json response,
// a 14-field tuple per line.
type BundleRow struct {
	Token          string
	Service        string
	BID            string
	Version        int64
	Author         string
	OriginatedHere bool
	Length         int64
	FileHash       string
	Sender         string
	Recipient      string
}

// parseBundleListLine splits one newline-delimited row into its 14
// comma-separated fields. Rhizome's listing format quotes fields as
// JSON strings; a minimal unwrap is enough for what is really a
// fixed-width CSV-ish row, without a generic tokenizing JSON parser.
func parseBundleListLine(line string) ([]string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, false
	}

	// Rhizome emits each row as a JSON array, e.g. ["tok","file",...].
	// This is a fixed 14-field tuple of simple strings/numbers, not
	// arbitrary nested JSON, so a quoted-CSV split is sufficient and
	// avoids allocating a generic decoder per line.
	trimmed := strings.Trim(line, "[]")
	parts := strings.Split(trimmed, ",")

	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		fields = append(fields, p)
	}
	if len(fields) != 14 {
		return nil, false
	}
	return fields, true
}

func rowFromFields(fields []string) BundleRow {
	length, _ := strconv.ParseInt(fields[9], 10, 64)
	version, _ := strconv.ParseInt(fields[4], 10, 64)
	return BundleRow{
		Token:          fields[0],
		Service:        fields[2],
		BID:            fields[3],
		Version:        version,
		Author:         fields[7],
		OriginatedHere: fields[8] == "1" || strings.EqualFold(fields[8], "true"),
		Length:         length,
		FileHash:       fields[10],
		Sender:         fields[11],
		Recipient:      fields[12],
	}
}

// Pull fetches a bundle listing - full or incremental, per the
// token/resync rules - and registers every row into cat. It returns
// the number of rows processed.
func (rc *RhizomeClient) Pull(ctx context.Context, cat *Catalogue) (int, error) {
	var path string

	forceFull := rc.token == "" || rc.chance() < fullResyncChance
	if forceFull {
		path = "/restful/rhizome/bundlelist.json"
	} else {
		path = "/restful/rhizome/newsince/" + url.PathEscape(rc.token) + "/bundlelist.json"
	}

	status, body, _, sinceLastRead, err := rc.httpGetSimple(ctx, path, rc.listTimeout())
	if err != nil {
		return 0, fmt.Errorf("lbard: rhizome pull: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("lbard: rhizome pull: http status %d", status)
	}

	// A token is only reliable if we read the complete list in this
	// call: if the gap between the last byte read and now is under the
	// ignore window, resuming from a mid-point token next time would
	// risk skipping bundles, so none of this listing's tokens are
	// adopted.
	ignoreToken := sinceLastRead < tokenIgnoreWindow

	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields, ok := parseBundleListLine(scanner.Text())
		if !ok {
			continue
		}
		row := rowFromFields(fields)

		if row.Token != "" && !strings.EqualFold(row.Token, "null") && !ignoreToken {
			rc.token = row.Token
		}

		_ = cat.Register(row.Service, row.BID, row.Version, row.Author, row.OriginatedHere, row.Length, row.FileHash, row.Sender, row.Recipient)
		count++
	}

	return count, nil
}

// Push POSTs a manifest+body pair to Rhizome's import endpoint.
// Success is any of HTTP 200/201/202.
func (rc *RhizomeClient) Push(ctx context.Context, manifest, body []byte) (status int, err error) {
	ctx, cancel := context.WithTimeout(ctx, rc.pushTimeout())
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	mpart, err := mw.CreateFormFile("manifest", "manifest")
	if err != nil {
		return 0, err
	}
	if _, err := mpart.Write(manifest); err != nil {
		return 0, err
	}

	bpart, err := mw.CreateFormFile("payload", "payload")
	if err != nil {
		return 0, err
	}
	if _, err := bpart.Write(body); err != nil {
		return 0, err
	}

	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.Server+"/rhizome/import", &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rc.setAuth(req)

	resp, err := rc.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return resp.StatusCode, nil
}

// PushSucceeded reports whether an HTTP status code from Push counts
// as success.
func PushSucceeded(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted
}
