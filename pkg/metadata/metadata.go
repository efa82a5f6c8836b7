// Package metadata resolves model names to the context size the model was trained with.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnknownModel is returned when the backend has no usable answer for a model.
var ErrUnknownModel = errors.New("unknown model")

type ModelMetadata struct {
	ModelName string
	// NCtxTrain is the trained context size, 0 when the backend did not report one.
	NCtxTrain int
}

func (m ModelMetadata) Known() bool {
	return m.NCtxTrain > 0
}

// Fetcher queries the backend for a single model.
type Fetcher interface {
	Fetch(ctx context.Context, modelName string) (ModelMetadata, error)
}

type FetcherFunc func(ctx context.Context, modelName string) (ModelMetadata, error)

func (f FetcherFunc) Fetch(ctx context.Context, modelName string) (ModelMetadata, error) {
	return f(ctx, modelName)
}

// ExtractNCtxTrain reads the trained context size from a /api/show response.
// Sources in order: model_info <general.architecture>.context_length, any other
// model_info key ending in context_length, other model_info keys
// mentioning context or ctx, details.parameters.num_ctx, the parameters text and the
// modelfile PARAMETER lines. It returns 0 when none yields a positive integer.
func ExtractNCtxTrain(body []byte) int {
	if info := gjson.GetBytes(body, "model_info"); info.IsObject() {
		fields := info.Map()
		if arch := fields["general.architecture"].String(); arch != "" {
			if n := positiveInt(fields[arch+".context_length"]); n > 0 {
				return n
			}
		}
		var exact, loose int
		info.ForEach(func(k, v gjson.Result) bool {
			n := positiveInt(v)
			if n == 0 {
				return true
			}
			key := strings.ToLower(k.String())
			switch {
			case strings.HasSuffix(key, "context_length"):
				if exact == 0 {
					exact = n
				}
			case strings.Contains(key, "context") || strings.Contains(key, "ctx"):
				if loose == 0 {
					loose = n
				}
			}
			return true
		})
		if exact > 0 {
			return exact
		}
		if loose > 0 {
			return loose
		}
	}

	if n := positiveInt(gjson.GetBytes(body, "details.parameters.num_ctx")); n > 0 {
		return n
	}
	if params := gjson.GetBytes(body, "parameters"); params.Type == gjson.String {
		if n := numCtxFromLines(params.Str, false); n > 0 {
			return n
		}
	}
	if mf := gjson.GetBytes(body, "modelfile"); mf.Type == gjson.String {
		if n := numCtxFromLines(mf.Str, true); n > 0 {
			return n
		}
	}
	return 0
}

func positiveInt(r gjson.Result) int {
	if r.Type != gjson.Number {
		return 0
	}
	n, err := strconv.ParseInt(r.Raw, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return int(n)
}

// numCtxFromLines scans text for a "num_ctx N" line. With directive set the line
// must also carry the PARAMETER keyword.
func numCtxFromLines(text string, directive bool) int {
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		found := false
		for _, f := range fields {
			if f == "num_ctx" {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		if directive && !strings.EqualFold(fields[0], "parameter") {
			continue
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func unknownModelf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnknownModel, fmt.Sprintf(format, args...))
}
