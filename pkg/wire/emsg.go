// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package wire

import "fmt"

// EMsg identifies a logical message type.
type EMsg uint32

// ProtoMask is the top bit of a raw type code. It marks the extended
// header and must be cleared before the code is interpreted.
const ProtoMask uint32 = 0x80000000

const (
	EMsgInvalid                       EMsg = 0
	EMsgMulti                         EMsg = 1
	EMsgProtobufWrapped               EMsg = 2
	EMsgDestJobFailed                 EMsg = 113
	EMsgServiceMethod                 EMsg = 146
	EMsgServiceMethodResponse         EMsg = 147
	EMsgServiceMethodCallFromClient   EMsg = 151
	EMsgServiceMethodSendToClient     EMsg = 152
	EMsgClientHeartBeat               EMsg = 703
	EMsgClientLogOff                  EMsg = 706
	EMsgClientChangeStatus            EMsg = 716
	EMsgClientFriendMsg               EMsg = 718
	EMsgClientGamesPlayed             EMsg = 742
	EMsgClientLogOnResponse           EMsg = 751
	EMsgClientLoggedOff               EMsg = 757
	EMsgClientPersonaState            EMsg = 766
	EMsgClientFriendsList             EMsg = 767
	EMsgClientAccountInfo             EMsg = 768
	EMsgClientLicenseList             EMsg = 780
	EMsgClientCMList                  EMsg = 783
	EMsgClientSessionToken            EMsg = 850
	EMsgClientServerList              EMsg = 880
	EMsgChannelEncryptRequest         EMsg = 1303
	EMsgChannelEncryptResponse        EMsg = 1304
	EMsgChannelEncryptResult          EMsg = 1305
	EMsgClientFriendMsgIncoming       EMsg = 5427
	EMsgClientLogon                   EMsg = 5514
	EMsgClientUpdateMachineAuth       EMsg = 5537
	EMsgClientServiceMethodLegacy     EMsg = 5594
	EMsgClientServiceMethodLegacyResp EMsg = 5595
	EMsgClientPICSProductInfoRequest  EMsg = 8903
	EMsgClientPICSProductInfoResponse EMsg = 8904
	EMsgClientHello                   EMsg = 9805
)

// UnknownName is returned by Name for codes missing from the table.
const UnknownName = "Unknown"

var emsgNames = map[EMsg]string{
	EMsgInvalid:                       "Invalid",
	EMsgMulti:                         "Multi",
	EMsgProtobufWrapped:               "ProtobufWrapped",
	EMsgDestJobFailed:                 "DestJobFailed",
	EMsgServiceMethod:                 "ServiceMethod",
	EMsgServiceMethodResponse:         "ServiceMethodResponse",
	EMsgServiceMethodCallFromClient:   "ServiceMethodCallFromClient",
	EMsgServiceMethodSendToClient:     "ServiceMethodSendToClient",
	EMsgClientHeartBeat:               "ClientHeartBeat",
	EMsgClientLogOff:                  "ClientLogOff",
	EMsgClientChangeStatus:            "ClientChangeStatus",
	EMsgClientFriendMsg:               "ClientFriendMsg",
	EMsgClientGamesPlayed:             "ClientGamesPlayed",
	EMsgClientLogOnResponse:           "ClientLogOnResponse",
	EMsgClientLoggedOff:               "ClientLoggedOff",
	EMsgClientPersonaState:            "ClientPersonaState",
	EMsgClientFriendsList:             "ClientFriendsList",
	EMsgClientAccountInfo:             "ClientAccountInfo",
	EMsgClientLicenseList:             "ClientLicenseList",
	EMsgClientCMList:                  "ClientCMList",
	EMsgClientSessionToken:            "ClientSessionToken",
	EMsgClientServerList:              "ClientServerList",
	EMsgChannelEncryptRequest:         "ChannelEncryptRequest",
	EMsgChannelEncryptResponse:        "ChannelEncryptResponse",
	EMsgChannelEncryptResult:          "ChannelEncryptResult",
	EMsgClientFriendMsgIncoming:       "ClientFriendMsgIncoming",
	EMsgClientLogon:                   "ClientLogon",
	EMsgClientUpdateMachineAuth:       "ClientUpdateMachineAuth",
	EMsgClientServiceMethodLegacy:     "ClientServiceMethodLegacy",
	EMsgClientServiceMethodLegacyResp: "ClientServiceMethodLegacyResponse",
	EMsgClientPICSProductInfoRequest:  "ClientPICSProductInfoRequest",
	EMsgClientPICSProductInfoResponse: "ClientPICSProductInfoResponse",
	EMsgClientHello:                   "ClientHello",
}

// MaskEMsg clears the extended-header bit of a raw type code.
func MaskEMsg(raw uint32) EMsg {
	return EMsg(raw &^ ProtoMask)
}

// IsProto reports whether the extended-header bit is set on a raw type code.
func IsProto(raw uint32) bool {
	return raw&ProtoMask != 0
}

// Name returns the table name for e, or UnknownName.
func (e EMsg) Name() string {
	if name, ok := emsgNames[e]; ok {
		return name
	}
	return UnknownName
}

func (e EMsg) String() string {
	if name, ok := emsgNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EMsg(%d)", uint32(e))
}

// EResult is the protocol's status code.
type EResult int32

const (
	EResultInvalid            EResult = 0
	EResultOK                 EResult = 1
	EResultFail               EResult = 2
	EResultNoConnection       EResult = 3
	EResultInvalidPassword    EResult = 5
	EResultLoggedInElsewhere  EResult = 6
	EResultInvalidProtocolVer EResult = 7
	EResultInvalidParam       EResult = 8
	EResultBusy               EResult = 10
	EResultTimeout            EResult = 16
)

func (r EResult) String() string {
	switch r {
	case EResultInvalid:
		return "Invalid"
	case EResultOK:
		return "OK"
	case EResultFail:
		return "Fail"
	case EResultNoConnection:
		return "NoConnection"
	case EResultInvalidPassword:
		return "InvalidPassword"
	case EResultLoggedInElsewhere:
		return "LoggedInElsewhere"
	case EResultInvalidProtocolVer:
		return "InvalidProtocolVer"
	case EResultInvalidParam:
		return "InvalidParam"
	case EResultBusy:
		return "Busy"
	case EResultTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("EResult(%d)", int32(r))
	}
}
