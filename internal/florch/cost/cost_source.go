package cost

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// CostSource is the unit communication is counted in.
type CostSource int

const (
	BYTES CostSource = iota
	SOFT_LABELS
)

func (c CostSource) String() string {
	switch c {
	case BYTES:
		return "BYTES"
	case SOFT_LABELS:
		return "SOFT_LABELS"
	default:
		return "UNKNOWN"
	}
}

func parseCostSource(s string) (CostSource, error) {
	switch strings.ToUpper(s) {
	case "BYTES":
		return BYTES, nil
	case "SOFT_LABELS":
		return SOFT_LABELS, nil
	default:
		return BYTES, fmt.Errorf("invalid CostSource: %q", s)
	}
}

// Marshal as a JSON string: "BYTES"/"SOFT_LABELS"
func (c CostSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Accept either JSON strings ("BYTES") or numbers (0/1)
func (c *CostSource) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		v, err := parseCostSource(strings.Trim(string(b), `"`))
		if err != nil {
			return err
		}
		*c = v
		return nil
	}
	var i int
	if err := json.Unmarshal(b, &i); err != nil {
		return err
	}
	switch v := CostSource(i); v {
	case BYTES, SOFT_LABELS:
		*c = v
		return nil
	default:
		return fmt.Errorf("invalid CostSource numeric value: %d", i)
	}
}

func (c CostSource) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

func (c *CostSource) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseCostSource(value.Value)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
