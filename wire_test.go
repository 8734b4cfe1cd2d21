/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package docbridge_test

import (
	"encoding/binary"
	"testing"

	"github.com/docbridge/docbridge"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// encodeOpMsg builds a minimal single-section OP_MSG wire message, mirroring
// the framing a real driver would send for a command.
func encodeOpMsg(requestID uint32, flags uint32, cmd bson.D) []byte {
	body, err := bson.Marshal(cmd)
	if err != nil {
		panic(err)
	}
	const headerSize = 16
	total := headerSize + 4 + 1 + len(body)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], requestID)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 2013) // OP_MSG
	binary.LittleEndian.PutUint32(buf[16:20], flags)
	buf[20] = 0 // section kind 0: body document
	copy(buf[21:], body)
	return buf
}

func TestDecodeMessageOpMsg(t *testing.T) {
	raw := encodeOpMsg(7, 0, bson.D{{Key: "ping", Value: int32(1)}})
	msg, err := docbridge.DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(7), msg.Header.RequestID)
	require.Len(t, msg.Docs, 1)
	v, ok := msg.Docs[0].Get("ping")
	require.True(t, ok)
	require.Equal(t, int32(1), v.Int32)
}

func TestDecodeMessageRejectsLengthMismatch(t *testing.T) {
	raw := encodeOpMsg(1, 0, bson.D{{Key: "ping", Value: int32(1)}})
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(raw)+5))
	_, err := docbridge.DecodeMessage(raw)
	require.Error(t, err)
}

func TestDecodeMessageRejectsUnsupportedOpCode(t *testing.T) {
	raw := encodeOpMsg(1, 0, bson.D{{Key: "ping", Value: int32(1)}})
	binary.LittleEndian.PutUint32(raw[12:16], 9999)
	_, err := docbridge.DecodeMessage(raw)
	require.Error(t, err)
}

func TestEncodeReplyRoundTrip(t *testing.T) {
	raw := encodeOpMsg(3, 0, bson.D{{Key: "ping", Value: int32(1)}})
	msg, err := docbridge.DecodeMessage(raw)
	require.NoError(t, err)

	reply := docOf(docbridge.DocField{Key: "ok", Value: docbridge.DocValue{Kind: docbridge.KindDouble, Double: 1}})
	out, err := docbridge.EncodeReply(msg, reply, 42)
	require.NoError(t, err)

	replyMsg, err := docbridge.DecodeMessage(out)
	require.NoError(t, err)
	require.Equal(t, uint32(42), replyMsg.Header.RequestID)
	require.Equal(t, uint32(3), replyMsg.Header.ResponseTo)
	require.Len(t, replyMsg.Docs, 1)
	ok, found := replyMsg.Docs[0].Get("ok")
	require.True(t, found)
	require.Equal(t, float64(1), ok.Double)
}
