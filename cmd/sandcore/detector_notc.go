//go:build notc

package main

import (
	"github.com/arsandbox/sandcore/roi"
	"github.com/arsandbox/sandcore/vision"
)

func openCVDetectors() (vision.PatternDetector, roi.ContourExtractor, bool) {
	return nil, nil, false
}
