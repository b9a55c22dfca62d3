// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package livepublish

import (
	"testing"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

func TestPublishWithNilClientIsNoop(t *testing.T) {
	p := NewPublisher(nil, "smalldata.live")
	p.Publish(map[string]schema.Value{"a": schema.ScalarInt(1)})
}

func TestPublishWithEmptyRoundIsNoop(t *testing.T) {
	p := NewPublisher(nil, "smalldata.live")
	p.Publish(map[string]schema.Value{})
}
