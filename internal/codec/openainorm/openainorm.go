// Package openainorm implements the openai-chat <-> openai-chat
// normalization codec (§4.4.3). It never changes the shape of a payload;
// its only job is to unwrap an accidental transport envelope and strip
// internal carrier keys before a payload reaches a client or a node
// further down the pipeline.
package openainorm

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxUnwrapDepth bounds how many envelope levels Unwrap will peel before
// giving up and returning the payload unchanged.
const maxUnwrapDepth = 4

// envelopeStopKeys are the keys whose presence means "this object is
// already a normalized OpenAI payload, stop unwrapping".
var envelopeStopKeys = []string{"choices", "id", "object"}

// PreservedCarriers are "__"-prefixed keys that survive StripCarriers
// because downstream nodes still need them (e.g. the SSE stream carrier
// used by the Responses codec).
var PreservedCarriers = map[string]bool{
	"__sse_responses": true,
}

// Unwrap walks up to maxUnwrapDepth levels into data looking for the
// first object that already looks like a normalized OpenAI payload
// (carries one of envelopeStopKeys), unwrapping accidental single-key
// transport envelopes like {"data": {...}} along the way.
func Unwrap(data []byte) []byte {
	doc := gjson.ParseBytes(data)
	for depth := 0; depth < maxUnwrapDepth; depth++ {
		if !doc.IsObject() {
			break
		}
		if looksNormalized(doc) {
			break
		}
		next, ok := soleChildObject(doc)
		if !ok {
			break
		}
		doc = next
	}
	if doc.Raw == "" {
		return data
	}
	return []byte(doc.Raw)
}

func looksNormalized(r gjson.Result) bool {
	for _, k := range envelopeStopKeys {
		if r.Get(k).Exists() {
			return true
		}
	}
	return false
}

// soleChildObject reports whether r is an object with exactly one key
// whose value is itself an object, returning that nested object.
func soleChildObject(r gjson.Result) (gjson.Result, bool) {
	var only gjson.Result
	count := 0
	r.ForEach(func(_, v gjson.Result) bool {
		count++
		only = v
		return count <= 1
	})
	if count != 1 || !only.IsObject() {
		return gjson.Result{}, false
	}
	return only, true
}

// StripCarriers removes every top-level "__"-prefixed key from data
// except those in PreservedCarriers.
func StripCarriers(data []byte) ([]byte, error) {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return data, nil
	}
	var toRemove []string
	root.ForEach(func(k, _ gjson.Result) bool {
		key := k.String()
		if strings.HasPrefix(key, "__") && !PreservedCarriers[key] {
			toRemove = append(toRemove, key)
		}
		return true
	})
	out := data
	for _, key := range toRemove {
		var err error
		out, err = sjson.DeleteBytes(out, key)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Normalize applies Unwrap followed by StripCarriers, the full §4.4.3
// pass applied to every openai-chat payload crossing a pipeline boundary.
func Normalize(data []byte) ([]byte, error) {
	return StripCarriers(Unwrap(data))
}
