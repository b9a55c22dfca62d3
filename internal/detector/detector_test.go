// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHR-FAU/smalldata-go/pkg/eventsource"
)

type fakeHandle struct {
	readings map[string]eventsource.Reading
	ok       bool
}

func (f fakeHandle) Capture(ctx context.Context) (map[string]eventsource.Reading, bool) {
	return f.readings, f.ok
}

type fakeSource struct {
	detectors map[string]fakeHandle
}

func (f fakeSource) CurrentEvent() (bool, uint64, uint32) { return true, 0, 0 }
func (f fakeSource) RunNumber() int                       { return 1 }
func (f fakeSource) Detector(name string) (eventsource.DetectorHandle, bool) {
	h, ok := f.detectors[name]
	return h, ok
}

func TestCaptureSkipsAbsentDetectors(t *testing.T) {
	src := fakeSource{detectors: map[string]fakeHandle{}}
	out, err := Capture(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCaptureFlattensPresentDetector(t *testing.T) {
	src := fakeSource{detectors: map[string]fakeHandle{
		"ebeam": {ok: true, readings: map[string]eventsource.Reading{
			"charge": {IsFloat: true, Floats: []float64{3.2}},
		}},
	}}
	out, err := Capture(context.Background(), src)
	require.NoError(t, err)
	require.Contains(t, out, "ebeam/charge")
	assert.Equal(t, []float64{3.2}, out["ebeam/charge"].Floats)
}

func TestCaptureSkipsDetectorWithNoDataThisEvent(t *testing.T) {
	src := fakeSource{detectors: map[string]fakeHandle{
		"gas_detector": {ok: false},
	}}
	out, err := Capture(context.Background(), src)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCaptureEvrCodesOnlyKnownList(t *testing.T) {
	src := fakeSource{detectors: map[string]fakeHandle{
		"evr": {ok: true, readings: map[string]eventsource.Reading{
			"code_40":  {Ints: []int64{1}},
			"code_999": {Ints: []int64{1}},
		}},
	}}
	out, err := Capture(context.Background(), src)
	require.NoError(t, err)
	assert.Contains(t, out, "code_40")
	assert.NotContains(t, out, "code_999")
}
