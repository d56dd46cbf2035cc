package server

import (
	"encoding/base64"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/y-okubo/soniq/pkg/model"
)

func TestDecodeChunk(t *testing.T) {
	msg := &ClientMessage{
		Type:     msgChunk,
		Sequence: 3,
		Audio:    base64.StdEncoding.EncodeToString([]byte("audio-bytes")),
	}

	chunk := gt.R1(decodeChunk(msg, model.AudioFormatPCM16)).NoError(t)
	gt.V(t, chunk.Sequence).Equal(3)
	gt.V(t, string(chunk.Payload)).Equal("audio-bytes")
	gt.V(t, chunk.Format).Equal(model.AudioFormatPCM16)
}

func TestDecodeChunkInvalid(t *testing.T) {
	_, err := decodeChunk(&ClientMessage{Type: msgChunk, Audio: "%%%"}, model.AudioFormatPCM16)
	gt.Error(t, err)

	_, err = decodeChunk(&ClientMessage{Type: msgChunk, Audio: ""}, model.AudioFormatPCM16)
	gt.Error(t, err)
}
