//go:build !notc

package main

import (
	"github.com/arsandbox/sandcore/roi"
	"github.com/arsandbox/sandcore/vision"
	"github.com/arsandbox/sandcore/vision/cvadapter"
)

func openCVDetectors() (vision.PatternDetector, roi.ContourExtractor, bool) {
	return cvadapter.NewChessboardDetector(), cvadapter.ContourExtractor{}, true
}
