// Package configstore implements a typed configuration document store:
// schema registration, validated partial updates with a validate-preview-apply
// contract, defaulting via nullary producers, and introspection suitable for
// operational dumps. It never panics on bad input — every caller-reachable
// failure mode returns an Errors value instead.
//
// Grounded on Phusion Passenger's cxx_supportlib/ConfigStore.h: the schema
// model (typed keys, required-xor-default, partial updates, preview/apply
// split) and every validation message are carried over unchanged.
package configstore

import (
	"fmt"
	"sort"
	"sync"
)

// Store holds a set of schema entries and their current user values. The
// zero value is not usable; construct with New.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty store with no registered keys.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// RegisterKey adds a schema entry. Re-registering an existing key overwrites
// its schema (and resets its user value) — duplicate registration is not an
// error, matching the upstream store's "idempotency is not required" note.
//
// required and a non-nil def are mutually exclusive.
func (s *Store) RegisterKey(key string, typ Type, required bool, def DefaultFunc) error {
	if required && def != nil {
		return fmt.Errorf("configstore: key %q cannot be required and have a default value", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{typ: typ, required: required, def: def}
	return nil
}

// Get returns the effective value of key: the user-set value if non-nil,
// else the default producer's output if one is registered, else nil. An
// unregistered key also returns nil.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	return effectiveValue(e.userValue, e.def)
}

func (s *Store) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) subdocLocked(e *entry, userValue any) map[string]any {
	sub := map[string]any{
		"user_value": userValue,
		"type":       string(e.typ),
	}
	if e.def != nil {
		sub["default_value"] = e.def()
	}
	sub["effective_value"] = effectiveValue(userValue, e.def)
	if e.required {
		sub["required"] = true
	}
	return sub
}

// Dump returns a per-key object describing user_value, default_value (if
// any), effective_value, type and required, in the format described in
// spec.md §4.1.
func (s *Store) Dump() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]any, len(s.entries))
	for _, key := range s.sortedKeysLocked() {
		e := s.entries[key]
		result[key] = s.subdocLocked(e, e.userValue)
	}
	return result
}

// PreviewUpdate computes what Dump would return if updates were merged in,
// without mutating the store, and validates the result. updates must be nil
// (no-op) or a map[string]any (as produced by json.Unmarshal into an `any`);
// anything else is a document-level error. Keys in updates that aren't
// registered are silently ignored; keys not present in updates retain their
// current user value.
func (s *Store) PreviewUpdate(updates any) (map[string]any, Errors) {
	var updatesMap map[string]any
	if updates != nil {
		m, ok := updates.(map[string]any)
		if !ok {
			return s.Dump(), Errors{{Message: "The JSON document must be an object"}}
		}
		updatesMap = m
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]any, len(s.entries))
	for _, key := range s.sortedKeysLocked() {
		e := s.entries[key]
		newUser := e.userValue
		if v, present := updatesMap[key]; present {
			newUser = v
		}
		result[key] = s.subdocLocked(e, newUser)
	}

	var errs Errors
	errs = append(errs, s.validateRequiredLocked(result)...)
	errs = append(errs, s.validateTypesLocked(result)...)
	return result, errs
}

func (s *Store) validateRequiredLocked(preview map[string]any) Errors {
	var errs Errors
	for _, key := range s.sortedKeysLocked() {
		e := s.entries[key]
		if !e.required {
			continue
		}
		sub := preview[key].(map[string]any)
		if sub["effective_value"] == nil {
			errs = append(errs, Error{Key: key, Message: "is required"})
		}
	}
	return errs
}

func (s *Store) validateTypesLocked(preview map[string]any) Errors {
	var errs Errors
	for _, key := range s.sortedKeysLocked() {
		e := s.entries[key]
		sub := preview[key].(map[string]any)
		val := sub["effective_value"]
		if val == nil {
			continue
		}
		if msg, ok := validateType(e.typ, val); !ok {
			errs = append(errs, Error{Key: key, Message: msg})
		}
	}
	return errs
}

func validateType(typ Type, val any) (message string, ok bool) {
	switch typ {
	case TypeString:
		if !stringConvertible(val) {
			return "must be a string", false
		}
	case TypeInteger:
		if !isInteger(val) {
			return "must be an integer", false
		}
	case TypeUnsignedInteger:
		if !isInteger(val) {
			return "must be an integer", false
		}
		if f, _ := asNumber(val); f < 0 {
			return "must be greater than 0", false
		}
	case TypeFloat:
		if !isNumber(val) {
			return "must be a number", false
		}
	case TypeBoolean:
		if !isBoolConvertible(val) {
			return "must be a boolean", false
		}
	default:
		panic(fmt.Sprintf("configstore: unknown type %q", typ))
	}
	return "", true
}

// ForceApplyUpdatePreview unconditionally installs the user_value slots
// from a previously produced preview. It does not revalidate — callers must
// only apply a preview that PreviewUpdate returned with no errors.
func (s *Store) ForceApplyUpdatePreview(preview map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		sub, ok := preview[key].(map[string]any)
		if !ok {
			continue
		}
		e.userValue = sub["user_value"]
	}
}

// Update is PreviewUpdate followed by ForceApplyUpdatePreview, but only when
// validation passes. On failure the store is left unchanged.
func (s *Store) Update(updates any) Errors {
	preview, errs := s.PreviewUpdate(updates)
	if len(errs) == 0 {
		s.ForceApplyUpdatePreview(preview)
	}
	return errs
}
