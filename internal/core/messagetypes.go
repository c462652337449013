package core

// Message types on the client wire.
const (
	ClientHello                        uint16 = 1
	ClientHelloResp                    uint16 = 2
	ClientDisconnect                   uint16 = 3
	ClientEject                        uint16 = 4
	ClientHeartbeat                    uint16 = 5
	ClientObjectSetField               uint16 = 120
	ClientObjectSetFields              uint16 = 121
	ClientObjectLeaving                uint16 = 132
	ClientObjectLeavingOwner           uint16 = 161
	ClientObjectLocation               uint16 = 140
	ClientEnterObjectRequired          uint16 = 142
	ClientEnterObjectRequiredOther     uint16 = 143
	ClientEnterObjectRequiredOwner     uint16 = 172
	ClientEnterObjectRequiredOtherOwner uint16 = 173
	ClientAddInterest                  uint16 = 200
	ClientAddInterestMultiple          uint16 = 201
	ClientRemoveInterest               uint16 = 203
	ClientDoneInterestResp             uint16 = 204
)

// Disconnect reasons carried by ClientEject.
const (
	EjectGeneric             uint16 = 100
	EjectOversizedDatagram   uint16 = 106
	EjectNoHello             uint16 = 107
	EjectInvalidMsgtype      uint16 = 108
	EjectTruncatedDatagram   uint16 = 109
	EjectAnonymousViolation  uint16 = 113
	EjectForbiddenInterest   uint16 = 115
	EjectMissingObject       uint16 = 117
	EjectForbiddenField      uint16 = 118
	EjectForbiddenRelocate   uint16 = 119
	EjectBadVersion          uint16 = 124
	EjectBadDCHash           uint16 = 125
	EjectSessionObjectDeleted uint16 = 153
	EjectNoHeartbeat         uint16 = 345
)

// Client agent control messages on the server bus.
const (
	ClientAgentSetState              uint16 = 1000
	ClientAgentSetClientID           uint16 = 1001
	ClientAgentSendDatagram          uint16 = 1002
	ClientAgentEject                 uint16 = 1004
	ClientAgentDrop                  uint16 = 1005
	ClientAgentDeclareObject         uint16 = 1010
	ClientAgentUndeclareObject       uint16 = 1011
	ClientAgentAddSessionObject      uint16 = 1012
	ClientAgentRemoveSessionObject   uint16 = 1013
	ClientAgentSetFieldsSendable     uint16 = 1014
	ClientAgentGetNetworkAddress     uint16 = 1015
	ClientAgentGetNetworkAddressResp uint16 = 1016
	ClientAgentGetTLVs               uint16 = 1017
	ClientAgentGetTLVsResp           uint16 = 1018
	ClientAgentOpenChannel           uint16 = 1100
	ClientAgentCloseChannel          uint16 = 1101
	ClientAgentAddPostRemove         uint16 = 1110
	ClientAgentClearPostRemoves      uint16 = 1111
	ClientAgentAddInterest           uint16 = 1200
	ClientAgentAddInterestMultiple   uint16 = 1201
	ClientAgentRemoveInterest        uint16 = 1203
	ClientAgentDoneInterestResp      uint16 = 1204
)

// State server messages.
const (
	StateServerCreateObjectWithRequired      uint16 = 2000
	StateServerCreateObjectWithRequiredOther uint16 = 2001
	StateServerDeleteAIObjects               uint16 = 2009

	StateServerObjectGetField      uint16 = 2010
	StateServerObjectGetFieldResp  uint16 = 2011
	StateServerObjectGetFields     uint16 = 2012
	StateServerObjectGetFieldsResp uint16 = 2013
	StateServerObjectGetAll        uint16 = 2014
	StateServerObjectGetAllResp    uint16 = 2015

	StateServerObjectSetField  uint16 = 2020
	StateServerObjectSetFields uint16 = 2021

	StateServerObjectDeleteRam uint16 = 2030

	StateServerObjectSetLocation               uint16 = 2040
	StateServerObjectChangingLocation          uint16 = 2041
	StateServerObjectEnterLocationWithRequired uint16 = 2042
	StateServerObjectEnterLocationWithRequiredOther uint16 = 2043
	StateServerObjectGetLocation               uint16 = 2044
	StateServerObjectGetLocationResp           uint16 = 2045
	StateServerObjectLocationAck               uint16 = 2046

	StateServerObjectSetAI               uint16 = 2050
	StateServerObjectChangingAI          uint16 = 2051
	StateServerObjectEnterAIWithRequired uint16 = 2052
	StateServerObjectEnterAIWithRequiredOther uint16 = 2053
	StateServerObjectGetAI               uint16 = 2054
	StateServerObjectGetAIResp           uint16 = 2055

	StateServerObjectSetOwner               uint16 = 2060
	StateServerObjectChangingOwner          uint16 = 2061
	StateServerObjectEnterOwnerWithRequired uint16 = 2062
	StateServerObjectEnterOwnerWithRequiredOther uint16 = 2063

	StateServerObjectEnterInterestWithRequired      uint16 = 2066
	StateServerObjectEnterInterestWithRequiredOther uint16 = 2067

	StateServerObjectGetZonesObjects  uint16 = 2102
	StateServerObjectGetZonesCountResp uint16 = 2113
	StateServerObjectGetActiveZones   uint16 = 2125
	StateServerObjectGetActiveZonesResp uint16 = 2126

	StateServerObjectDeleteChildren uint16 = 2124
)

// StateServerContextWakeChildren is the reserved GetLocation context a
// freshly created parent uses to rebuild zone_objects from live children.
const StateServerContextWakeChildren uint32 = 1001

// Database state server messages.
const (
	DBSSObjectActivateWithDefaults      uint16 = 2200
	DBSSObjectActivateWithDefaultsOther uint16 = 2201
	DBSSObjectGetActivated              uint16 = 2207
	DBSSObjectGetActivatedResp          uint16 = 2208
	DBSSObjectDeleteDisk                uint16 = 2230
)

// Database server messages.
const (
	DBServerCreateObject     uint16 = 3000
	DBServerCreateObjectResp uint16 = 3001

	DBServerObjectGetField      uint16 = 3010
	DBServerObjectGetFieldResp  uint16 = 3011
	DBServerObjectGetFields     uint16 = 3012
	DBServerObjectGetFieldsResp uint16 = 3013
	DBServerObjectGetAll        uint16 = 3014
	DBServerObjectGetAllResp    uint16 = 3015

	DBServerObjectSetField  uint16 = 3020
	DBServerObjectSetFields uint16 = 3021

	DBServerObjectSetFieldIfEquals      uint16 = 3022
	DBServerObjectSetFieldIfEqualsResp  uint16 = 3023
	DBServerObjectSetFieldsIfEquals     uint16 = 3024
	DBServerObjectSetFieldsIfEqualsResp uint16 = 3025

	DBServerObjectDelete uint16 = 3060
)
