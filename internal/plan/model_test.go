package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRef_Resolve(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		ref           Ref
		defaultAction string
		wantAction    string
		wantStep      string
		wantOK        bool
	}{
		{
			name:          "qualified reference",
			ref:           "build.compile",
			defaultAction: "other",
			wantAction:    "build",
			wantStep:      "compile",
			wantOK:        true,
		},
		{
			name:          "short reference uses default action",
			ref:           "compile",
			defaultAction: "build",
			wantAction:    "build",
			wantStep:      "compile",
			wantOK:        true,
		},
		{
			name:   "zero value is not set",
			ref:    "",
			wantOK: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			action, step, ok := tc.ref.Resolve(tc.defaultAction)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantAction, action)
				assert.Equal(t, tc.wantStep, step)
			}
		})
	}
}
