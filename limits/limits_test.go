package limits

import (
	"errors"
	"testing"
)

func TestPayloadBoundsMatchHeaders(t *testing.T) {
	if MaxReliablePayload+ReliableOverhead != MaxDatagramSize {
		t.Errorf("MaxReliablePayload = %d, want %d", MaxReliablePayload, MaxDatagramSize-ReliableOverhead)
	}
	if MaxUnreliablePayload+UnreliableOverhead != MaxDatagramSize {
		t.Errorf("MaxUnreliablePayload = %d, want %d", MaxUnreliablePayload, MaxDatagramSize-UnreliableOverhead)
	}
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		max     int
		wantErr error
	}{
		{"empty", nil, 10, ErrMessageEmpty},
		{"at limit", make([]byte, 10), 10, nil},
		{"over limit", make([]byte, 11), 10, ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessageSize() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		reliable bool
		max      int
		wantErr  bool
	}{
		{"empty payload is valid", 0, true, SafePayloadSize, false},
		{"at configured limit", SafePayloadSize, true, SafePayloadSize, false},
		{"over configured limit", SafePayloadSize + 1, false, SafePayloadSize, true},
		{"no configured limit uses header bound", MaxReliablePayload, true, 0, false},
		{"reliable header bound", MaxReliablePayload + 1, true, 0, true},
		{"unreliable has two more bytes", MaxReliablePayload + 1, false, 0, false},
		{"configured limit above header bound", MaxUnreliablePayload + 1, false, MaxDatagramSize * 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(make([]byte, tt.size), tt.reliable, tt.max)
			if tt.wantErr && !errors.Is(err, ErrMessageTooLarge) {
				t.Errorf("expected ErrMessageTooLarge, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
