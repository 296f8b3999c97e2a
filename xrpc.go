package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/firehose"
	"github.com/jrhy/pds/internal/car"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/repo"
	"github.com/sirupsen/logrus"
)

// largest applyWrites request body
const maxRequestBody = 5 << 20

// Handler serves the repository and sync XRPC methods and the firehose.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /xrpc/com.atproto.sync.subscribeRepos", &firehose.Handler{Sequencer: s.seq, Logger: s.log})
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getRepo", s.getRepo)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getLatestCommit", s.getLatestCommit)
	mux.HandleFunc("GET /xrpc/com.atproto.repo.getRecord", s.getRecord)
	mux.HandleFunc("GET /xrpc/com.atproto.repo.listRecords", s.listRecords)
	mux.HandleFunc("POST /xrpc/com.atproto.repo.applyWrites", s.applyWrites)
	mux.HandleFunc("GET /xrpc/_health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"seq": s.seq.Next() - 1, "unsequenced": s.Unsequenced()})
	})
	return mux
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound *mst.NotFoundError
		stale    *repo.StaleHeadError
		invalid  *repo.ValidationError
	)
	status, name := http.StatusBadRequest, "InvalidRequest"
	switch {
	case errors.Is(err, ErrUnauthorized):
		status, name = http.StatusUnauthorized, "AuthRequired"
	case errors.Is(err, repo.ErrRepoNotFound), errors.Is(err, repo.ErrRepoDeleted):
		name = "RepoNotFound"
	case errors.Is(err, repo.ErrRepoInactive):
		name = "RepoDeactivated"
	case errors.As(err, &stale):
		name = "InvalidSwap"
	case errors.As(err, &notFound):
		name = "RecordNotFound"
	case errors.As(err, &invalid):
	default:
		status, name = http.StatusInternalServerError, "InternalServerError"
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, xrpcError{Error: name, Message: err.Error()})
}

func badRequest(format string, args ...interface{}) error {
	return &repo.ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func required(r *http.Request, names ...string) ([]string, error) {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = r.URL.Query().Get(name)
		if values[i] == "" {
			return nil, badRequest("%s is required", name)
		}
	}
	return values, nil
}

func recordURI(did, path string) string {
	return "at://" + did + "/" + path
}

type recordOutput struct {
	URI   string      `json:"uri"`
	Cid   string      `json:"cid"`
	Value interface{} `json:"value"`
}

func toRecordOutput(did string, rec repo.Record) (recordOutput, error) {
	value, err := dagcbor.ToJSON(rec.Data)
	if err != nil {
		return recordOutput{}, fmt.Errorf("record %s: %w", rec.Path, err)
	}
	return recordOutput{URI: recordURI(did, rec.Path), Cid: rec.Cid.String(), Value: value}, nil
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	params, err := required(r, "repo", "collection", "rkey")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.engine.GetRecord(r.Context(), params[0], params[1], params[2])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := toRecordOutput(params[0], rec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	params, err := required(r, "repo", "collection")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 || limit > 100 {
			s.fail(w, r, badRequest("limit must be between 1 and 100"))
			return
		}
	}
	records, cursor, err := s.engine.ListRecords(r.Context(), params[0], params[1], limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := struct {
		Cursor  string         `json:"cursor,omitempty"`
		Records []recordOutput `json:"records"`
	}{Cursor: cursor, Records: []recordOutput{}}
	for _, rec := range records {
		ro, err := toRecordOutput(params[0], rec)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out.Records = append(out.Records, ro)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getLatestCommit(w http.ResponseWriter, r *http.Request) {
	params, err := required(r, "did")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	head, err := s.engine.Head(r.Context(), params[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if head.Status == repo.StatusDeleted {
		s.fail(w, r, &repo.ValidationError{Reason: params[0], Err: repo.ErrRepoDeleted})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cid": head.Commit.String(), "rev": head.Rev})
}

// getRepo exports the repository as a CAR file rooted at the head commit.
func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	params, err := required(r, "did")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	did := params[0]
	// the export and the head must agree
	unlock := s.locks.lock(did)
	head, err := s.engine.Head(r.Context(), did)
	var blocks []mst.Block
	if err == nil {
		blocks, err = s.engine.Export(r.Context(), did)
	}
	unlock()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := car.Encode([]cid.Cid{head.Commit}, blocks)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.Write(data)
}

type applyWritesInput struct {
	Repo       string       `json:"repo"`
	SwapCommit string       `json:"swapCommit,omitempty"`
	Writes     []writeInput `json:"writes"`
}

type writeInput struct {
	Type       string      `json:"$type"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey,omitempty"`
	Value      interface{} `json:"value,omitempty"`
}

type writeResult struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	Cid  string `json:"cid,omitempty"`
}

const applyWritesNSID = "com.atproto.repo.applyWrites"

func (s *Server) applyWrites(w http.ResponseWriter, r *http.Request) {
	if s.opts.Auth == nil {
		s.fail(w, r, fmt.Errorf("%w: writes are disabled", ErrUnauthorized))
		return
	}
	actor, err := s.opts.Auth.Authenticate(r)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", ErrUnauthorized, err))
		return
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.UseNumber()
	var in applyWritesInput
	if err := dec.Decode(&in); err != nil {
		s.fail(w, r, badRequest("body: %v", err))
		return
	}
	opts := repo.WriteOptions{Actor: actor}
	if in.SwapCommit != "" {
		opts.SwapCommit, err = cid.Decode(in.SwapCommit)
		if err != nil {
			s.fail(w, r, badRequest("swapCommit: %v", err))
			return
		}
	}
	writes := make([]repo.WriteOp, len(in.Writes))
	for i, wi := range in.Writes {
		writes[i], err = s.writeOp(wi)
		if err != nil {
			s.fail(w, r, badRequest("writes[%d]: %v", i, err))
			return
		}
	}

	res, seq, err := s.ApplyWrites(r.Context(), in.Repo, writes, opts)
	var seqErr *SequencingError
	if err != nil && !errors.As(err, &seqErr) {
		s.fail(w, r, err)
		return
	}
	// a sequencing failure is logged and retried; the commit stands
	results := make([]writeResult, len(writes))
	created := map[string]cid.Cid{}
	for _, op := range res.Ops {
		created[op.Path] = op.Cid
	}
	for i, op := range writes {
		wr := writeResult{Type: applyWritesNSID + "#" + string(op.Action) + "Result"}
		if op.Action != repo.ActionDelete {
			wr.URI = recordURI(in.Repo, op.Path())
			if c, ok := created[op.Path()]; ok {
				wr.Cid = c.String()
			}
		}
		results[i] = wr
	}
	s.log.WithFields(logrus.Fields{"did": in.Repo, "rev": res.Rev, "seq": seq, "ops": len(res.Ops)}).Debug("applied writes")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commit":  map[string]string{"cid": res.Cid.String(), "rev": res.Rev},
		"results": results,
	})
}

func (s *Server) writeOp(in writeInput) (repo.WriteOp, error) {
	action, ok := strings.CutPrefix(in.Type, applyWritesNSID+"#")
	if !ok {
		return repo.WriteOp{}, fmt.Errorf("unknown $type %q", in.Type)
	}
	op := repo.WriteOp{Action: repo.Action(action), Collection: in.Collection, RKey: in.RKey}
	if op.Action == repo.ActionCreate && op.RKey == "" {
		op.RKey = s.opts.Repo.Clock.Next()
	}
	if in.Value != nil {
		value, err := dagcbor.FromJSON(in.Value)
		if err != nil {
			return repo.WriteOp{}, fmt.Errorf("value: %w", err)
		}
		op.Record = value
		op.Blobs = findBlobs(value)
	}
	return op, nil
}

// findBlobs collects the blob references in a record: objects with $type
// "blob", a ref link, a mimeType and a size.
func findBlobs(v interface{}) []repo.BlobRef {
	var refs []repo.BlobRef
	var walk func(interface{})
	walk = func(v interface{}) {
		switch v := v.(type) {
		case map[string]interface{}:
			if v["$type"] == "blob" {
				ref, refOK := v["ref"].(dagcbor.Link)
				mime, _ := v["mimeType"].(string)
				size, sizeOK := v["size"].(int64)
				if refOK && sizeOK {
					refs = append(refs, repo.BlobRef{Cid: cid.Cid(ref), MimeType: mime, Size: size})
					return
				}
			}
			for _, e := range v {
				walk(e)
			}
		case []interface{}:
			for _, e := range v {
				walk(e)
			}
		}
	}
	walk(v)
	return refs
}
