package serialmux

// SamplePacket is one vending controller transmission as seen on the modem
// port: the controller wakes the modem, sends an SMS report, and hangs up.
// The trailing read command arrives after the end marker and belongs to no
// packet.
var SamplePacket = []string{
	"AT+WOPEN=0",
	"ATE0",
	"AT",
	"AT+CMGS=<redacted>",
	"07/11/25 - 14:40",
	"SN NUMBER:017196",
	"TEMP         5.3",
	"LITRI 265159.467",
	"EURO    60544.50",
	"AT+CMGD=1,4",
	"ATH",
	"AT+CMGR=1",
}
