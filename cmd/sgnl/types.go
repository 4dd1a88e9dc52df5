package main

import (
	"fmt"
	"strings"
)

// optionalBool is a flag value that distinguishes "not given" from false.
type optionalBool struct {
	value *bool
}

func (o *optionalBool) UnmarshalFlag(val string) error {
	var v bool
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
	default:
		return fmt.Errorf("invalid boolean value: %q (use true or false)", val)
	}
	o.value = &v
	return nil
}

func (o *optionalBool) MarshalFlag() (string, error) {
	if o.value == nil {
		return "", nil
	}
	return fmt.Sprint(*o.value), nil
}
