package constants

// Wire limits shared by every client variant we speak to.
const (
	// MaxFrameSize is the receive buffer size of every studied client.
	// Outbound frames larger than this are rejected at the source.
	MaxFrameSize = 0x7C00

	// Header sizes per protocol generation.
	HeaderSizeV2V3  = 4
	HeaderSizeBB    = 8
	HeaderSizePreV1 = 4

	// Frame padding, applied only while encryption is active: the header's
	// size field rounds to 4, and BB also pads transmitted bytes to 8.
	// Unencrypted frames go out unpadded.
	PaddingV2V3 = 4
	PaddingBB   = 8
)

// Cipher parameters.
const (
	PCStreamLength = 57
	GCStreamLength = 521
	BBStreamLength = 1042

	BBSeedSize    = 0x30
	BBKeyFileSize = (18 + 1024) * 4

	// DetectionByteLimit bounds how much ciphertext the BB multi-key
	// detector may consume before the channel is declared undecipherable.
	DetectionByteLimit = 0x800
)

// Lobby parameters.
const (
	MaxLobbyClients = 12

	// Item ID progressions. Slot k mints from
	// ClientItemIDBase + k*ClientItemIDStride; server-generated items come
	// from a disjoint range addressed by ServerItemIDSlot.
	ClientItemIDBase   = 0x00210000
	ClientItemIDStride = 0x00200000
	ServerItemIDBase   = 0x0F000000
	ServerItemIDSlot   = 0xFF

	UnassignedItemID = 0xFFFFFFFF
)

// Connection buffer defaults, mirrored by config.
const (
	DefaultSendQueueSize = 256
	DefaultReadBufSize   = MaxFrameSize
)
