package main

import (
	"github.com/spf13/pflag"

	"github.com/framewright/shuttle/internal/config"
)

// sizeValue is a pflag.Value that parses human-readable byte sizes like
// "4M" or "1.5G" into an int64.
type sizeValue struct {
	target *int64
}

var _ pflag.Value = (*sizeValue)(nil)

func newSizeValue(def int64, p *int64) *sizeValue {
	*p = def
	return &sizeValue{target: p}
}

func (s *sizeValue) Set(raw string) error {
	n, err := config.ParseSize(raw)
	if err != nil {
		return err
	}
	*s.target = n
	return nil
}

func (s *sizeValue) Type() string {
	return "size"
}

func (s *sizeValue) String() string {
	if s.target == nil || *s.target == 0 {
		return "0"
	}
	return config.FormatSize(*s.target)
}
