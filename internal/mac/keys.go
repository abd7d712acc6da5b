package mac

import (
	"github.com/lorawan-server/lorawan-device-core/internal/sm"
	"github.com/lorawan-server/lorawan-device-core/pkg/lorawan/frame"
)

// deriveSessionKeys derives the 1.0.x session keys from the join-accept
// contents via the security module: NwkSKey = E_AppKey(0x01‖AppNonce‖
// NetID‖DevNonce‖pad), AppSKey = E_AppKey(0x02‖...). The SM collapses
// NwkSKey onto FNwkSIntKey/SNwkSIntKey/NwkSEncKey (see sm.NwkSKey and
// sm.Mock.UpdateSessionKey).
func (m *MAC) deriveSessionKeys(ja frame.JoinAccept) {
	devNonce := m.session.DevNonce - 1 // the nonce just used for this attempt

	nwkIV := sessionKeyIV(0x01, ja.AppNonce, ja.NetID, devNonce)
	appIV := sessionKeyIV(0x02, ja.AppNonce, ja.NetID, devNonce)

	m.sm.UpdateSessionKey(sm.NwkSKey, m.appKeyDesc, nwkIV)
	m.sm.UpdateSessionKey(sm.AppSKey, m.appKeyDesc, appIV)
}

func sessionKeyIV(tag byte, appNonce, netID uint32, devNonce uint16) [16]byte {
	var iv [16]byte
	iv[0] = tag
	iv[1] = byte(appNonce)
	iv[2] = byte(appNonce >> 8)
	iv[3] = byte(appNonce >> 16)
	iv[4] = byte(netID)
	iv[5] = byte(netID >> 8)
	iv[6] = byte(netID >> 16)
	iv[7] = byte(devNonce)
	iv[8] = byte(devNonce >> 8)
	// remaining 7 bytes are zero padding
	return iv
}
