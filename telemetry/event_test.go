package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeButtons(t *testing.T) {
	tests := []struct {
		name string
		in   []int
		want []int
	}{
		{"nil", nil, nil},
		{"empty", []int{}, nil},
		{"single", []int{3}, []int{3}},
		{"already sorted", []int{1, 2}, []int{1, 2}},
		{"unsorted", []int{2, 1}, []int{1, 2}},
		{"duplicates", []int{2, 1, 2}, []int{1, 2}},
		{"all same", []int{5, 5, 5}, []int{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeButtons(tt.in))
		})
	}
}

func TestNormalizeButtonsDoesNotMutateInput(t *testing.T) {
	in := []int{3, 1, 2}
	NormalizeButtons(in)
	assert.Equal(t, []int{3, 1, 2}, in)
}

func TestComboKey(t *testing.T) {
	tests := []struct {
		name    string
		buttons []int
		want    string
	}{
		{"empty", nil, ""},
		{"single", []int{3}, "3"},
		{"pair", []int{1, 2}, "1-2"},
		{"triple", []int{1, 2, 3}, "1-2-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &GesturePayload{Buttons: tt.buttons}
			assert.Equal(t, tt.want, g.ComboKey())
		})
	}
}

func TestComboKeyOrderInsensitive(t *testing.T) {
	a := &GesturePayload{Buttons: NormalizeButtons([]int{1, 2})}
	b := &GesturePayload{Buttons: NormalizeButtons([]int{2, 1})}
	assert.Equal(t, a.ComboKey(), b.ComboKey())
}

func TestRawPacketLen(t *testing.T) {
	assert.Equal(t, 0, RawPacket{}.Len())
	assert.Equal(t, 4, RawPacket{Payload: []byte("abcd")}.Len())
}
