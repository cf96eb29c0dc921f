// Package langeval scores caption predictions against a coco-format
// references file, producing the named metrics Bleu_1..Bleu_4, METEOR,
// ROUGE_L and CIDEr.
package langeval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tsawler/go-cst/checkpoints"
)

// Prediction is one decoded caption as written to a predictions file.
type Prediction struct {
	ImageID string   `json:"image_id"`
	Caption string   `json:"caption"`
	AvgLogp *float64 `json:"avglogp,omitempty"`
}

// ImageID accepts both string and numeric ids.
type ImageID string

func (id *ImageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ImageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("image id %s: %w", data, err)
	}
	*id = ImageID(n.String())
	return nil
}

type cocoFile struct {
	Images []struct {
		ID ImageID `json:"id"`
	} `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
}

type cocoAnnotation struct {
	ImageID ImageID `json:"image_id"`
	Caption string  `json:"caption"`
}

// LoadReferences reads a coco-format references file into id -> captions.
func LoadReferences(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read references: %w", err)
	}
	var f cocoFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode references %s: %w", path, err)
	}
	refs := make(map[string][]string, len(f.Images))
	for _, a := range f.Annotations {
		refs[string(a.ImageID)] = append(refs[string(a.ImageID)], a.Caption)
	}
	return refs, nil
}

// WriteReferences writes refs as a coco-format references file with images
// in sorted id order.
func WriteReferences(path string, refs map[string][]string) error {
	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	type image struct {
		ID string `json:"id"`
	}
	type annotation struct {
		ImageID string `json:"image_id"`
		ID      int    `json:"id"`
		Caption string `json:"caption"`
	}
	out := struct {
		Images      []image      `json:"images"`
		Annotations []annotation `json:"annotations"`
		Type        string       `json:"type"`
	}{Type: "captions"}
	n := 0
	for _, id := range ids {
		out.Images = append(out.Images, image{ID: id})
		for _, c := range refs[id] {
			out.Annotations = append(out.Annotations, annotation{ImageID: id, ID: n, Caption: c})
			n++
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode references: %w", err)
	}
	return checkpoints.WriteFileAtomic(path, data, 0o644)
}

// LoadPredictions reads a predictions file. Later entries for the same id
// replace earlier ones.
func LoadPredictions(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read predictions: %w", err)
	}
	var entries []struct {
		ImageID ImageID `json:"image_id"`
		Caption string  `json:"caption"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode predictions %s: %w", path, err)
	}
	preds := make(map[string]string, len(entries))
	for _, e := range entries {
		preds[string(e.ImageID)] = e.Caption
	}
	return preds, nil
}

// WritePredictions writes predictions as a JSON array.
func WritePredictions(path string, preds []Prediction) error {
	data, err := json.Marshal(preds)
	if err != nil {
		return fmt.Errorf("encode predictions: %w", err)
	}
	return checkpoints.WriteFileAtomic(path, data, 0o644)
}

