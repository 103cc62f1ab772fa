// Package crdt implements YDoc, a single-writer-at-a-time, text-only CRDT
// surface built on a Replicated Growable Array (RGA). No Yjs-compatible
// CRDT library exists anywhere in the reference corpus this package was
// grown from, so the sequence algorithm is original; the surrounding Go
// idiom (mutex-guarded struct, explicit binary encode/decode) follows the
// corpus throughout.
package crdt

import (
	"sort"
	"sync"

	"github.com/scriptum/daemon/internal/scerr"
)

// id identifies a single CRDT operation: the client that produced it and
// that client's monotonically increasing per-op sequence number. Seq == 0
// is reserved to mean "no id" (the start-of-sequence sentinel, or "no
// target" for a delete with nothing to point at).
type id struct {
	Client uint64
	Seq    uint64
}

func (a id) less(b id) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Seq < b.Seq
}

func (a id) none() bool { return a.Seq == 0 }

// element is one RGA node: a single character, tombstoned in place on
// delete so origin references from other elements remain valid forever.
type element struct {
	ID       id
	OriginID id
	Value    rune
	Deleted  bool
}

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
)

// operation is one entry of a document's local op log: what YDoc emits in
// encode_diff and consumes in apply_update.
type operation struct {
	ID       id
	Kind     opKind
	Field    string
	OriginID id // insert only
	TargetID id // delete only
	Value    rune
}

type fieldState struct {
	elements []*element
}

// indexOf returns the slice position of the element with the given id, or
// -1 if target is the none-sentinel or not found.
func (f *fieldState) indexOf(target id) int {
	if target.none() {
		return -1
	}
	for i, e := range f.elements {
		if e.ID == target {
			return i
		}
	}
	return -1
}

func (f *fieldState) byID(target id) *element {
	i := f.indexOf(target)
	if i < 0 {
		return nil
	}
	return f.elements[i]
}

// visibleIndexToElementIndex walks non-deleted elements to find the slice
// position of the visible character at pos, or len(elements) if pos is at
// the end of the visible text.
func (f *fieldState) visibleIndexToElementIndex(pos int) int {
	seen := 0
	for i, e := range f.elements {
		if e.Deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return len(f.elements)
}

// originBefore returns the id of the visible element immediately before
// visible position pos (the none-sentinel if pos == 0).
func (f *fieldState) originBefore(pos int) id {
	seen := 0
	var last id
	for _, e := range f.elements {
		if e.Deleted {
			continue
		}
		if seen == pos {
			return last
		}
		last = e.ID
		seen++
	}
	return last
}

// integrate inserts elem into f.elements at its correct RGA position,
// determined by elem.OriginID and elem.ID. This is the standard RGA
// integration rule: scan right from the origin, skipping over elements
// whose own origin is a descendant of ours (they belong to a sibling's
// sub-chain), and breaking ties among same-origin siblings by id so every
// replica that applies the same set of inserts converges on the same
// order regardless of arrival order.
func (f *fieldState) integrate(elem *element) {
	leftIdx := f.indexOf(elem.OriginID)
	pos := leftIdx + 1
	for pos < len(f.elements) {
		other := f.elements[pos]
		otherLeftIdx := f.indexOf(other.OriginID)
		if otherLeftIdx < leftIdx {
			break
		}
		if otherLeftIdx == leftIdx {
			if elem.ID.less(other.ID) {
				pos++
				continue
			}
			break
		}
		pos++
	}
	f.elements = append(f.elements, nil)
	copy(f.elements[pos+1:], f.elements[pos:])
	f.elements[pos] = elem
}

// YDoc is one document's CRDT state: a client identifier, a keyed
// collection of text fields, and an op log sufficient to produce
// incremental updates against any prior state vector.
type YDoc struct {
	mu sync.RWMutex

	clientID uint64
	clock    uint64

	fields map[string]*fieldState
	opLog  []operation
	seen   map[id]bool

	// maxSeq is restored explicitly on FromState (rather than derived from
	// elements) because delete operations consume a client's sequence
	// space without creating any element to derive it from.
	maxSeq map[uint64]uint64

	// pendingDeletes holds delete targets that arrived before their
	// corresponding insert (should not happen for diffs generated by
	// encode_diff, but kept as a defensive fallback for out-of-order
	// delivery rather than dropping the delete on the floor).
	pendingDeletes map[string]map[id]bool
}

// New creates a fresh YDoc for the given replica client id.
func New(clientID uint64) *YDoc {
	return &YDoc{
		clientID:       clientID,
		fields:         make(map[string]*fieldState),
		seen:           make(map[id]bool),
		maxSeq:         make(map[uint64]uint64),
		pendingDeletes: make(map[string]map[id]bool),
	}
}

func (d *YDoc) field(name string) *fieldState {
	f, ok := d.fields[name]
	if !ok {
		f = &fieldState{}
		d.fields[name] = f
	}
	return f
}

func (d *YDoc) markSeq(i id) {
	if i.Seq > d.maxSeq[i.Client] {
		d.maxSeq[i.Client] = i.Seq
	}
}

// InsertText inserts text at a codepoint-equivalent index within field,
// producing one CRDT operation per rune.
func (d *YDoc) InsertText(field string, index int, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.field(field)
	pos := index
	for _, r := range text {
		origin := f.originBefore(pos)
		d.clock++
		newID := id{Client: d.clientID, Seq: d.clock}
		elem := &element{ID: newID, OriginID: origin, Value: r}
		f.integrate(elem)
		d.seen[newID] = true
		d.markSeq(newID)
		d.opLog = append(d.opLog, operation{ID: newID, Kind: opInsert, Field: field, OriginID: origin, Value: r})
		pos++
	}
}

// DeleteText deletes length codepoint-equivalent positions starting at
// index within field.
func (d *YDoc) DeleteText(field string, index, length int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.field(field)
	for n := 0; n < length; n++ {
		elemIdx := f.visibleIndexToElementIndex(index)
		if elemIdx >= len(f.elements) {
			break
		}
		target := f.elements[elemIdx]
		target.Deleted = true
		d.clock++
		newID := id{Client: d.clientID, Seq: d.clock}
		d.seen[newID] = true
		d.markSeq(newID)
		d.opLog = append(d.opLog, operation{ID: newID, Kind: opDelete, Field: field, TargetID: target.ID})
	}
}

// GetTextString returns the observable content of field.
func (d *YDoc) GetTextString(field string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.fields[field]
	if !ok {
		return ""
	}
	runes := make([]rune, 0, len(f.elements))
	for _, e := range f.elements {
		if !e.Deleted {
			runes = append(runes, e.Value)
		}
	}
	return string(runes)
}

// applyOperation applies a single decoded operation, honoring idempotency
// (an already-seen id is a no-op) per spec invariant (a).
func (d *YDoc) applyOperation(op operation) error {
	if d.seen[op.ID] {
		return nil
	}
	d.seen[op.ID] = true
	d.markSeq(op.ID)

	f := d.field(op.Field)
	switch op.Kind {
	case opInsert:
		elem := &element{ID: op.ID, OriginID: op.OriginID, Value: op.Value}
		f.integrate(elem)
		// A delete for this id may have arrived first (out-of-order
		// delivery); honor it now rather than losing the tombstone.
		if pending := d.pendingDeletes[op.Field]; pending != nil && pending[op.ID] {
			elem.Deleted = true
			delete(pending, op.ID)
		}
	case opDelete:
		target := f.byID(op.TargetID)
		if target == nil {
			if d.pendingDeletes[op.Field] == nil {
				d.pendingDeletes[op.Field] = make(map[id]bool)
			}
			d.pendingDeletes[op.Field][op.TargetID] = true
			return nil
		}
		target.Deleted = true
	default:
		return scerr.New(scerr.DecodeError, "unknown operation kind")
	}
	d.opLog = append(d.opLog, op)
	return nil
}

// ApplyUpdate applies an incremental update encoded by EncodeDiff (or
// received from a peer). Already-seen operations are skipped, satisfying
// idempotency; operations are applied in the order encoded, which is
// always insert-before-delete for any given id because a replica only
// ever deletes an element it has already integrated.
func (d *YDoc) ApplyUpdate(update []byte) error {
	ops, err := decodeOperations(update)
	if err != nil {
		return scerr.Wrap(scerr.DecodeError, err, "malformed update")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if err := d.applyOperation(op); err != nil {
			return err
		}
	}
	return nil
}

// EncodeStateVector returns a compact summary of the highest operation
// sequence number seen from each client.
func (d *YDoc) EncodeStateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeStateVector(d.maxSeq)
}

// EncodeDiff returns the minimal update needed to bring a peer at peerSV
// up to the current state: every op log entry whose id is not already
// covered by peerSV, in the order it was applied locally.
func (d *YDoc) EncodeDiff(peerSV []byte) ([]byte, error) {
	sv, err := decodeStateVector(peerSV)
	if err != nil {
		return nil, scerr.Wrap(scerr.DecodeError, err, "malformed state vector")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var missing []operation
	for _, op := range d.opLog {
		if op.ID.Seq > sv[op.ID.Client] {
			missing = append(missing, op)
		}
	}
	return encodeOperations(missing), nil
}

// EncodeState returns a full-state encoding sufficient to reconstruct an
// equivalent YDoc via FromState, including tombstoned elements (future
// inserts may reference their ids as an origin) and the exact per-client
// sequence floor (so FromState never reissues or confuses an id that
// existed before the snapshot was taken).
func (d *YDoc) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeFullState(d)
}

// FromState reconstructs a YDoc from a full-state encoding produced by
// EncodeState. The op log starts empty: history baked into the snapshot
// is never re-diffed to a peer (a peer behind this point receives a fresh
// snapshot, not a diff); only operations applied after loading populate
// the op log and participate in future EncodeDiff calls.
func FromState(data []byte) (*YDoc, error) {
	d, err := decodeFullState(data)
	if err != nil {
		return nil, scerr.Wrap(scerr.DecodeError, err, "malformed full state")
	}
	return d, nil
}

// ClientID returns the replica identity this YDoc issues new operation ids
// under.
func (d *YDoc) ClientID() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clientID
}

// sortedFieldNames returns field names in deterministic order for encoding.
func (d *YDoc) sortedFieldNames() []string {
	names := make([]string, 0, len(d.fields))
	for n := range d.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
