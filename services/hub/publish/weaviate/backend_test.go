// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "typed 404",
			err:  &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: http.StatusNotFound, Msg: "not found"},
			want: true,
		},
		{
			name: "typed 500",
			err:  &fault.WeaviateClientError{IsUnexpectedStatusCode: true, StatusCode: http.StatusInternalServerError, Msg: "boom"},
			want: false,
		},
		{
			name: "wrapped typed 404",
			err:  fmt.Errorf("delete object: %w", &fault.WeaviateClientError{StatusCode: http.StatusNotFound}),
			want: true,
		},
		{
			name: "404 only in the message text",
			err:  errors.New(`batch rejected: payload {"error_code": 404}`),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "Hub_main_v2", className("main/v2"))
	assert.Equal(t, "Hub_my_build_v10", className("my.build/v10"))
}

func TestObjectIDDeterministic(t *testing.T) {
	a := objectID("Hub_main_v2", "gene:1017")
	b := objectID("Hub_main_v2", "gene:1017")
	c := objectID("Hub_main_v3", "gene:1017")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
