package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mailio/go-mailio-keyshare/types"
)

// MemoryRepository keeps documents in memory with CouchDB revision semantics.
// Used by tests and when the server runs without CouchDB (mode=debug, no couchdb host).
type MemoryRepository struct {
	mu     sync.RWMutex
	dbName string
	docs   map[string][]byte
}

func NewMemoryRepository(dbName string) *MemoryRepository {
	return &MemoryRepository{dbName: dbName, docs: map[string][]byte{}}
}

func newRev(prev string) string {
	gen := 0
	if i := strings.IndexByte(prev, '-'); i > 0 {
		gen, _ = strconv.Atoi(prev[:i])
	}
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%d-%s", gen+1, hex.EncodeToString(b))
}

func toDoc(data interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("document must be a json object: %w", types.ErrBadRequest)
	}
	return doc, nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.docs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *MemoryRepository) GetAll(ctx context.Context, limit int, skip int) ([]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []interface{}{}
	for i, id := range ids {
		if i < skip {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, json.RawMessage(m.docs[id]))
	}
	return out, nil
}

// Save stores the document. Like CouchDB it rejects stale or missing revisions of existing documents.
func (m *MemoryRepository) Save(ctx context.Context, docID string, data interface{}) error {
	doc, err := toDoc(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rev, _ := doc["_rev"].(string)
	currentRev := ""
	if existing, ok := m.docs[docID]; ok {
		var cur types.BaseDocument
		if err := json.Unmarshal(existing, &cur); err != nil {
			return err
		}
		currentRev = cur.UnderscoreRev
	}
	if rev != currentRev {
		return types.ErrConflict
	}
	doc["_id"] = docID
	doc["_rev"] = newRev(rev)
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.docs[docID] = b
	return nil
}

func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return types.ErrNotFound
	}
	delete(m.docs, id)
	return nil
}

// Find evaluates a subset of Mango selectors: field equality, $eq, $ne, $exists, $in, $elemMatch, $and and $or
func (m *MemoryRepository) Find(ctx context.Context, selector map[string]interface{}, limit int) ([]interface{}, error) {
	sel, err := toDoc(selector)
	if err != nil {
		return nil, err
	}
	all, _ := m.GetAll(ctx, 0, 0)
	out := []interface{}{}
	for _, raw := range all {
		var doc map[string]interface{}
		if err := json.Unmarshal(raw.(json.RawMessage), &doc); err != nil {
			return nil, err
		}
		ok, err := matchSelector(doc, sel)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, raw)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetDBName() string {
	return m.dbName
}

func (m *MemoryRepository) GetClient() interface{} {
	return nil
}

func lookupField(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchSelector(doc map[string]interface{}, sel map[string]interface{}) (bool, error) {
	for key, cond := range sel {
		switch key {
		case "$and", "$or":
			list, ok := cond.([]interface{})
			if !ok {
				return false, fmt.Errorf("%s expects an array: %w", key, types.ErrBadRequest)
			}
			matchedAny := false
			for _, c := range list {
				sub, ok := c.(map[string]interface{})
				if !ok {
					return false, fmt.Errorf("%s expects objects: %w", key, types.ErrBadRequest)
				}
				matched, err := matchSelector(doc, sub)
				if err != nil {
					return false, err
				}
				if key == "$and" && !matched {
					return false, nil
				}
				matchedAny = matchedAny || matched
			}
			if key == "$or" && !matchedAny {
				return false, nil
			}
		default:
			val, present := lookupField(doc, key)
			matched, err := matchCondition(val, present, cond)
			if err != nil || !matched {
				return false, err
			}
		}
	}
	return true, nil
}

func matchCondition(val interface{}, present bool, cond interface{}) (bool, error) {
	ops, ok := cond.(map[string]interface{})
	if !ok || !hasOperator(ops) {
		return present && reflect.DeepEqual(val, cond), nil
	}
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !present || !reflect.DeepEqual(val, arg) {
				return false, nil
			}
		case "$ne":
			if present && reflect.DeepEqual(val, arg) {
				return false, nil
			}
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false, nil
			}
		case "$in":
			list, _ := arg.([]interface{})
			found := false
			for _, a := range list {
				if present && reflect.DeepEqual(val, a) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		case "$elemMatch":
			arr, ok := val.([]interface{})
			if !present || !ok {
				return false, nil
			}
			sub, ok := arg.(map[string]interface{})
			if !ok {
				return false, fmt.Errorf("$elemMatch expects an object: %w", types.ErrBadRequest)
			}
			found := false
			for _, el := range arr {
				elDoc, isObj := el.(map[string]interface{})
				var matched bool
				var err error
				if isObj {
					matched, err = matchSelector(elDoc, sub)
				} else {
					matched, err = matchCondition(el, true, sub)
				}
				if err != nil {
					return false, err
				}
				if matched {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported operator %s: %w", op, types.ErrBadRequest)
		}
	}
	return true, nil
}

func hasOperator(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}
