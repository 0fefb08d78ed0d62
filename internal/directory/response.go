package directory

import (
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// SubtreeError records a backend failure below one entry.
type SubtreeError struct {
	DN  string
	Err error
}

// SearchResponse collects the output of a search. Records are kept in
// emission order; OnRecord, when set, sees each record as it is sent.
type SearchResponse struct {
	OnRecord func(*Record)

	mu         sync.Mutex
	sizeLimit  int
	records    []*Record
	errs       []SubtreeError
	resultCode uint16
}

// NewSearchResponse creates a response accepting at most sizeLimit
// records. Zero means unlimited.
func NewSearchResponse(sizeLimit int) *SearchResponse {
	return &SearchResponse{sizeLimit: sizeLimit}
}

// Send appends a record. It returns ErrSizeLimitExceeded once the limit
// has been reached; the offending record is dropped.
func (r *SearchResponse) Send(rec *Record) error {
	r.mu.Lock()
	if r.sizeLimit > 0 && len(r.records) >= r.sizeLimit {
		r.resultCode = ldap.LDAPResultSizeLimitExceeded
		r.mu.Unlock()
		return ErrSizeLimitExceeded
	}
	r.records = append(r.records, rec)
	cb := r.OnRecord
	r.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
	return nil
}

// AddError records a failure below dn.
func (r *SearchResponse) AddError(dn string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, SubtreeError{DN: dn, Err: err})
}

// Records returns a copy of the records sent so far.
func (r *SearchResponse) Records() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of records sent.
func (r *SearchResponse) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Errors returns the recorded subtree failures.
func (r *SearchResponse) Errors() []SubtreeError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubtreeError, len(r.errs))
	copy(out, r.errs)
	return out
}

// ResultCode is success, size limit exceeded, or the code of the first
// subtree failure.
func (r *SearchResponse) ResultCode() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resultCode != ldap.LDAPResultSuccess {
		return r.resultCode
	}
	if len(r.errs) > 0 {
		return ResultCode(r.errs[0].Err)
	}
	return ldap.LDAPResultSuccess
}
