package firehose

import (
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/internal/car"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/repo"
)

// Kind names an event type as it appears in the frame header.
type Kind string

const (
	KindCommit    Kind = "#commit"
	KindAccount   Kind = "#account"
	KindIdentity  Kind = "#identity"
	KindTombstone Kind = "#tombstone"
)

// Commits with more ops or bigger blocks than this are sent without their
// blocks and flagged tooBig; consumers fetch the repo instead.
const (
	MaxCommitOps    = 200
	MaxCommitBlocks = 1 << 20
)

// Event is one firehose message. Exactly one of Commit, Account and
// Identity is set, according to Kind; tombstones carry nothing more.
type Event struct {
	// Seq is assigned by the Sequencer.
	Seq  uint64
	Kind Kind
	DID  string
	// Time is when the event was sequenced, if left zero.
	Time time.Time

	Commit   *Commit
	Account  *Account
	Identity *Identity
}

// Commit describes a repo commit.
type Commit struct {
	Cid      cid.Cid
	Rev      string
	Since    string
	Prev     cid.Cid
	PrevData cid.Cid
	Ops      []repo.RepoOp
	Blobs    []cid.Cid
	// Blocks is a CAR archive of the blocks the commit added, rooted at the
	// commit. Empty when TooBig.
	Blocks []byte
	TooBig bool
}

// Account reports a change of hosting status.
type Account struct {
	Active bool
	Status repo.Status
}

// Identity reports a change of identity, such as a key rotation.
type Identity struct {
	Handle string
}

// CommitEvent builds the commit event for res.
func CommitEvent(res *repo.CommitResult) (*Event, error) {
	c := &Commit{
		Cid:      res.Cid,
		Rev:      res.Rev,
		Since:    res.Since,
		Prev:     res.Prev,
		PrevData: res.PrevData,
		Ops:      res.Ops,
	}
	for _, b := range res.Blobs {
		c.Blobs = append(c.Blobs, b.Cid)
	}
	size := 0
	for _, b := range res.Blocks {
		size += len(b.Data)
	}
	if len(res.Ops) > MaxCommitOps || size > MaxCommitBlocks {
		c.TooBig = true
	} else {
		var err error
		c.Blocks, err = car.Encode([]cid.Cid{res.Cid}, res.Blocks)
		if err != nil {
			return nil, err
		}
	}
	return &Event{Kind: KindCommit, DID: res.DID, Commit: c}, nil
}

// AccountEvent reports that the account's status changed. Active accounts
// carry no status.
func AccountEvent(did string, status repo.Status) *Event {
	a := &Account{Active: status == repo.StatusActive}
	if !a.Active {
		a.Status = status
	}
	return &Event{Kind: KindAccount, DID: did, Account: a}
}

type header struct {
	Op int64  `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

type wireOp struct {
	Action string        `cbor:"action"`
	Path   string        `cbor:"path"`
	Cid    *dagcbor.Link `cbor:"cid"`
	Prev   *dagcbor.Link `cbor:"prev,omitempty"`
}

type wireCommit struct {
	Seq      int64          `cbor:"seq"`
	Rebase   bool           `cbor:"rebase"`
	TooBig   bool           `cbor:"tooBig"`
	Repo     string         `cbor:"repo"`
	Commit   dagcbor.Link   `cbor:"commit"`
	Prev     *dagcbor.Link  `cbor:"prev"`
	Rev      string         `cbor:"rev"`
	Since    *string        `cbor:"since"`
	Blocks   []byte         `cbor:"blocks"`
	Ops      []wireOp       `cbor:"ops"`
	Blobs    []dagcbor.Link `cbor:"blobs"`
	PrevData *dagcbor.Link  `cbor:"prevData,omitempty"`
	Time     string         `cbor:"time"`
}

type wireAccount struct {
	Seq    int64   `cbor:"seq"`
	DID    string  `cbor:"did"`
	Time   string  `cbor:"time"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status,omitempty"`
}

type wireIdentity struct {
	Seq    int64   `cbor:"seq"`
	DID    string  `cbor:"did"`
	Time   string  `cbor:"time"`
	Handle *string `cbor:"handle,omitempty"`
}

type wireTombstone struct {
	Seq  int64  `cbor:"seq"`
	DID  string `cbor:"did"`
	Time string `cbor:"time"`
}

type wireError struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message,omitempty"`
}

const timeFormat = "2006-01-02T15:04:05.000Z"

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Encode renders the event as a frame: a CBOR header followed by a CBOR
// body. The event must have its Seq.
func Encode(ev *Event) ([]byte, error) {
	seq := int64(ev.Seq)
	ts := ev.Time.UTC().Format(timeFormat)
	var body interface{}
	switch ev.Kind {
	case KindCommit:
		c := ev.Commit
		if c == nil {
			return nil, errors.New("commit event without commit")
		}
		w := wireCommit{
			Seq:      seq,
			TooBig:   c.TooBig,
			Repo:     ev.DID,
			Commit:   dagcbor.Link(c.Cid),
			Prev:     dagcbor.NewLink(c.Prev),
			Rev:      c.Rev,
			Since:    optional(c.Since),
			Blocks:   c.Blocks,
			Ops:      make([]wireOp, len(c.Ops)),
			Blobs:    dagcbor.Links(c.Blobs),
			PrevData: dagcbor.NewLink(c.PrevData),
			Time:     ts,
		}
		if w.Blocks == nil {
			w.Blocks = []byte{}
		}
		for i, op := range c.Ops {
			w.Ops[i] = wireOp{
				Action: string(op.Action),
				Path:   op.Path,
				Cid:    dagcbor.NewLink(op.Cid),
				Prev:   dagcbor.NewLink(op.Prev),
			}
		}
		body = w
	case KindAccount:
		if ev.Account == nil {
			return nil, errors.New("account event without account")
		}
		body = wireAccount{Seq: seq, DID: ev.DID, Time: ts, Active: ev.Account.Active, Status: optional(string(ev.Account.Status))}
	case KindIdentity:
		w := wireIdentity{Seq: seq, DID: ev.DID, Time: ts}
		if ev.Identity != nil {
			w.Handle = optional(ev.Identity.Handle)
		}
		body = w
	case KindTombstone:
		body = wireTombstone{Seq: seq, DID: ev.DID, Time: ts}
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return frame(header{Op: 1, T: string(ev.Kind)}, body)
}

func frame(h header, body interface{}) ([]byte, error) {
	hb, err := dagcbor.Marshal(h)
	if err != nil {
		return nil, err
	}
	bb, err := dagcbor.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append(hb, bb...), nil
}

// Error names carried by error frames.
const (
	ErrorFutureCursor    = "FutureCursor"
	ErrorOutdatedCursor  = "OutdatedCursor"
	ErrorConsumerTooSlow = "ConsumerTooSlow"
)

// ErrorFrame renders an error frame. Subscribers close the stream after
// sending one.
func ErrorFrame(name, message string) []byte {
	f, err := frame(header{Op: -1}, wireError{Error: name, Message: message})
	if err != nil {
		panic(err)
	}
	return f
}

// FrameError is a decoded error frame.
type FrameError struct {
	Name    string
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Decode parses a frame. An error frame decodes to a *FrameError.
func Decode(data []byte) (*Event, error) {
	return decode(data, false)
}

// EncodePending renders an event that has no Seq yet, for an Outbox.
func EncodePending(ev *Event) ([]byte, error) {
	if ev.Seq != 0 {
		return nil, fmt.Errorf("event already sequenced as %d", ev.Seq)
	}
	return Encode(ev)
}

// DecodePending parses a frame made by EncodePending. The event's Seq and
// Time are left zero for the Sequencer to fill in.
func DecodePending(data []byte) (*Event, error) {
	ev, err := decode(data, true)
	if err != nil {
		return nil, err
	}
	ev.Seq, ev.Time = 0, time.Time{}
	return ev, nil
}

func decode(data []byte, pending bool) (*Event, error) {
	var h header
	rest, err := dagcbor.UnmarshalFirst(data, &h)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if h.Op == -1 {
		var w wireError
		if err := dagcbor.Unmarshal(rest, &w); err != nil {
			return nil, fmt.Errorf("error body: %w", err)
		}
		return nil, &FrameError{Name: w.Error, Message: w.Message}
	}
	if h.Op != 1 {
		return nil, fmt.Errorf("unknown op %d", h.Op)
	}
	ev := &Event{Kind: Kind(h.T)}
	var seq int64
	var ts string
	switch ev.Kind {
	case KindCommit:
		var w wireCommit
		if err := dagcbor.Unmarshal(rest, &w); err != nil {
			return nil, fmt.Errorf("commit body: %w", err)
		}
		seq, ts, ev.DID = w.Seq, w.Time, w.Repo
		c := &Commit{
			Cid:      cid.Cid(w.Commit),
			Rev:      w.Rev,
			Prev:     w.Prev.Cid(),
			PrevData: w.PrevData.Cid(),
			Blobs:    dagcbor.Cids(w.Blobs),
			Blocks:   w.Blocks,
			TooBig:   w.TooBig,
		}
		if w.Since != nil {
			c.Since = *w.Since
		}
		for _, op := range w.Ops {
			c.Ops = append(c.Ops, repo.RepoOp{Action: repo.Action(op.Action), Path: op.Path, Cid: op.Cid.Cid(), Prev: op.Prev.Cid()})
		}
		ev.Commit = c
	case KindAccount:
		var w wireAccount
		if err := dagcbor.Unmarshal(rest, &w); err != nil {
			return nil, fmt.Errorf("account body: %w", err)
		}
		seq, ts, ev.DID = w.Seq, w.Time, w.DID
		ev.Account = &Account{Active: w.Active}
		if w.Status != nil {
			ev.Account.Status = repo.Status(*w.Status)
		}
	case KindIdentity:
		var w wireIdentity
		if err := dagcbor.Unmarshal(rest, &w); err != nil {
			return nil, fmt.Errorf("identity body: %w", err)
		}
		seq, ts, ev.DID = w.Seq, w.Time, w.DID
		ev.Identity = &Identity{}
		if w.Handle != nil {
			ev.Identity.Handle = *w.Handle
		}
	case KindTombstone:
		var w wireTombstone
		if err := dagcbor.Unmarshal(rest, &w); err != nil {
			return nil, fmt.Errorf("tombstone body: %w", err)
		}
		seq, ts, ev.DID = w.Seq, w.Time, w.DID
	default:
		return nil, fmt.Errorf("unknown event kind %q", h.T)
	}
	if pending {
		if seq != 0 {
			return nil, fmt.Errorf("pending event has seq %d", seq)
		}
		return ev, nil
	}
	if seq <= 0 {
		return nil, fmt.Errorf("bad seq %d", seq)
	}
	ev.Seq = uint64(seq)
	ev.Time, err = time.Parse(timeFormat, ts)
	if err != nil {
		return nil, fmt.Errorf("time: %w", err)
	}
	return ev, nil
}
