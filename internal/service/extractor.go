// internal/service/extractor.go
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/unclebandit/leadflow-backend/internal/model"
)

var errObjectValue = errors.New("object values are not supported")

// ExtractionError reports an answer whose variable was skipped.
type ExtractionError struct {
	Index     int // position of the answer in the response
	ElementID string
	Name      string
	Err       error
}

func (e ExtractionError) Error() string {
	return fmt.Sprintf("answer %d (element %q, variable %q): %v", e.Index, e.ElementID, e.Name, e.Err)
}

func (e ExtractionError) Unwrap() error { return e.Err }

// Extract turns the answers of a response into named variables, one per
// answered element. A bad answer only loses its own variable. When two
// answers map to the same name the one on the later page wins, and on the
// same page the later answer. Output is sorted by page order, then name.
func Extract(resp *model.QuizResponse, structure *model.QuizStructure) ([]model.ResponseVariable, []ExtractionError) {
	var errs []ExtractionError
	pageRank := pageRanks(resp.Answers)

	byName := map[string]model.ResponseVariable{}

	for i, a := range resp.Answers {
		el, known := structure.Lookup(a)
		name := variableName(a, el, known)
		if name == "" {
			errs = append(errs, ExtractionError{Index: i, ElementID: a.ElementID, Err: errors.New("answer has no element or field id")})
			continue
		}

		value, answered, err := normalizeValue(a.Value)
		if err != nil {
			errs = append(errs, ExtractionError{Index: i, ElementID: a.ElementID, Name: name, Err: err})
			continue
		}
		if !answered {
			continue
		}

		v := model.ResponseVariable{
			ResponseID:  resp.ID,
			QuizID:      resp.QuizID,
			Name:        name,
			Value:       value,
			ElementType: model.ElementTypeUnknown,
			PageID:      a.PageID,
			PageOrder:   pageRank[a.PageID],
		}
		if known {
			v.ElementType = el.ElementType
			v.PageOrder = el.PageOrder
			v.Question = el.Question
			if el.PageID != "" {
				v.PageID = el.PageID
			}
		}

		if prev, ok := byName[name]; ok && prev.PageOrder > v.PageOrder {
			continue
		}
		byName[name] = v
	}

	vars := make([]model.ResponseVariable, 0, len(byName))
	for _, v := range byName {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool {
		if vars[i].PageOrder != vars[j].PageOrder {
			return vars[i].PageOrder < vars[j].PageOrder
		}
		return vars[i].Name < vars[j].Name
	})
	return vars, errs
}

// variableName prefers the authored field id, then the answer's field id,
// then a name derived from the element id.
func variableName(a model.Answer, el model.QuizElement, known bool) string {
	if known && el.FieldID != "" {
		return el.FieldID
	}
	if a.ElementFieldID != "" {
		return a.ElementFieldID
	}
	id := a.ElementID
	if known && el.ElementID != "" {
		id = el.ElementID
	}
	if id == "" {
		return ""
	}
	return "element_" + id
}

// pageRanks orders pages not described by the quiz structure by their first
// appearance in the answers.
func pageRanks(answers []model.Answer) map[string]int {
	ranks := map[string]int{}
	for _, a := range answers {
		if _, ok := ranks[a.PageID]; !ok {
			ranks[a.PageID] = len(ranks)
		}
	}
	return ranks
}

// normalizeValue renders a raw JSON answer as a string. answered is false for
// null, empty strings and empty arrays.
func normalizeValue(raw json.RawMessage) (string, bool, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", false, fmt.Errorf("invalid value: %w", err)
	}
	s, err := stringify(v)
	if err != nil {
		return "", false, err
	}
	return s, s != "", nil
}

func stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := stringify(item)
			if err != nil {
				return "", err
			}
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", "), nil
	case map[string]interface{}:
		return "", errObjectValue
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}
