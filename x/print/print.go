// Package print provides helpers for rendering command output.
package print

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// JSON prints value to out as indented JSON
func JSON(out io.Writer, value interface{}) error {
	body, err := json.MarshalIndent(value, "", "\t")
	if err != nil {
		return errors.WithMessage(err, "failed to encode")
	}
	fmt.Fprintln(out, string(body))
	return nil
}
