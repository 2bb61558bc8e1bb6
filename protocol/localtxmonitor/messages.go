// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package localtxmonitor

import (
	"errors"
	"fmt"

	"github.com/blinklabs-io/ouroboros-agent/cbor"
	"github.com/blinklabs-io/ouroboros-agent/protocol"
)

// Message types
const (
	MessageTypeDone          = 0
	MessageTypeAcquire       = 1
	MessageTypeAcquired      = 2
	MessageTypeRelease       = 3
	MessageTypeNextTx        = 5
	MessageTypeReplyNextTx   = 6
	MessageTypeHasTx         = 7
	MessageTypeReplyHasTx    = 8
	MessageTypeGetSizes      = 9
	MessageTypeReplyGetSizes = 10
)

// NewMsgFromCbor parses a local-tx-monitor message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeDone:
		ret = &MsgDone{}
	case MessageTypeAcquire:
		ret = &MsgAcquire{}
	case MessageTypeAcquired:
		ret = &MsgAcquired{}
	case MessageTypeRelease:
		ret = &MsgRelease{}
	case MessageTypeNextTx:
		ret = &MsgNextTx{}
	case MessageTypeReplyNextTx:
		ret = &MsgReplyNextTx{}
	case MessageTypeHasTx:
		ret = &MsgHasTx{}
	case MessageTypeReplyHasTx:
		ret = &MsgReplyHasTx{}
	case MessageTypeGetSizes:
		ret = &MsgGetSizes{}
	case MessageTypeReplyGetSizes:
		ret = &MsgReplyGetSizes{}
	default:
		return nil, nil
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%s: decode error: %w", ProtocolName, err)
	}
	// Store the raw message CBOR
	ret.SetCbor(data)
	return ret, nil
}

type MsgDone struct {
	protocol.MessageBase
}

func NewMsgDone() *MsgDone {
	return &MsgDone{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeDone,
		},
	}
}

type MsgAcquire struct {
	protocol.MessageBase
}

func NewMsgAcquire() *MsgAcquire {
	return &MsgAcquire{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeAcquire,
		},
	}
}

type MsgAcquired struct {
	protocol.MessageBase
	SlotNo uint64
}

func NewMsgAcquired(slotNo uint64) *MsgAcquired {
	return &MsgAcquired{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeAcquired,
		},
		SlotNo: slotNo,
	}
}

type MsgRelease struct {
	protocol.MessageBase
}

func NewMsgRelease() *MsgRelease {
	return &MsgRelease{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRelease,
		},
	}
}

type MsgNextTx struct {
	protocol.MessageBase
}

func NewMsgNextTx() *MsgNextTx {
	return &MsgNextTx{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeNextTx,
		},
	}
}

// MsgReplyNextTx carries the next transaction of the snapshot, or nothing once the snapshot
// is exhausted
type MsgReplyNextTx struct {
	protocol.MessageBase
	Transaction *ReplyNextTxTransaction
}

type ReplyNextTxTransaction struct {
	cbor.StructAsArray
	EraId uint8
	Tx    cbor.WrappedCbor
}

// NewMsgReplyNextTx builds a reply. A nil tx signals the end of the snapshot
func NewMsgReplyNextTx(eraId uint8, tx []byte) *MsgReplyNextTx {
	m := &MsgReplyNextTx{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeReplyNextTx,
		},
	}
	if tx != nil {
		m.Transaction = &ReplyNextTxTransaction{
			EraId: eraId,
			Tx:    cbor.WrappedCbor(tx),
		}
	}
	return m
}

func (m *MsgReplyNextTx) UnmarshalCBOR(data []byte) error {
	var tmp []cbor.RawMessage
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	if len(tmp) == 0 || len(tmp) > 2 {
		return fmt.Errorf("invalid ReplyNextTx length %d", len(tmp))
	}
	if _, err := cbor.Decode(tmp[0], &m.MessageType); err != nil {
		return err
	}
	// The transaction is omitted when the snapshot is exhausted
	if len(tmp) == 1 {
		m.Transaction = nil
		return nil
	}
	var tx ReplyNextTxTransaction
	if _, err := cbor.Decode(tmp[1], &tx); err != nil {
		return err
	}
	if tx.Tx == nil {
		return errors.New("ReplyNextTx transaction is missing its body")
	}
	m.Transaction = &tx
	return nil
}

func (m *MsgReplyNextTx) MarshalCBOR() ([]byte, error) {
	tmp := []any{m.MessageType}
	if m.Transaction != nil {
		tmp = append(tmp, m.Transaction)
	}
	return cbor.Encode(tmp)
}

type MsgHasTx struct {
	protocol.MessageBase
	TxId []byte
}

func NewMsgHasTx(txId []byte) *MsgHasTx {
	return &MsgHasTx{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeHasTx,
		},
		TxId: txId,
	}
}

type MsgReplyHasTx struct {
	protocol.MessageBase
	Result bool
}

func NewMsgReplyHasTx(result bool) *MsgReplyHasTx {
	return &MsgReplyHasTx{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeReplyHasTx,
		},
		Result: result,
	}
}

type MsgGetSizes struct {
	protocol.MessageBase
}

func NewMsgGetSizes() *MsgGetSizes {
	return &MsgGetSizes{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeGetSizes,
		},
	}
}

type MsgReplyGetSizes struct {
	protocol.MessageBase
	Result MempoolSizes
}

// MempoolSizes reports the capacity and usage of an acquired mempool snapshot in bytes
type MempoolSizes struct {
	cbor.StructAsArray
	Capacity    uint32
	Size        uint32
	NumberOfTxs uint32
}

func NewMsgReplyGetSizes(sizes MempoolSizes) *MsgReplyGetSizes {
	return &MsgReplyGetSizes{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeReplyGetSizes,
		},
		Result: sizes,
	}
}
