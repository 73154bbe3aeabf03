package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPingCommandEncoding(t *testing.T) {
	cmd := PingCommand{}
	assert.Equal(t, CodePing, cmd.Code())
	assert.Nil(t, cmd.Payload())
}

func TestSetBaudrateCommandPayload(t *testing.T) {
	cmd := SetBaudrateCommand{Baud: 230400}
	payload := cmd.Payload()
	assert.Len(t, payload, 4)
	assert.Equal(t, byte(230400&0xFF), payload[0])
}

func TestEraseFlashSectorCommandPayload(t *testing.T) {
	cmd := EraseFlashSectorCommand{Address: 0x1000}
	payload := cmd.Payload()
	assert.Len(t, payload, 4)
}

func TestProgramFlashPageCommandPayload(t *testing.T) {
	data := make([]byte, 256)
	cmd := ProgramFlashPageCommand{Address: 0x2000, Data: data}
	payload := cmd.Payload()
	assert.Len(t, payload, 4+256)
}

func TestReadFlashCommandPayload(t *testing.T) {
	cmd := ReadFlashCommand{Address: 0x4000, Length: 4096}
	payload := cmd.Payload()
	assert.Len(t, payload, 8)
}

func TestTransferTimeoutZeroBaudFallsBackToBase(t *testing.T) {
	assert.Equal(t, baseTimeout, transferTimeout(0, 4096))
}

func TestTransferTimeoutScalesWithLengthAndBaud(t *testing.T) {
	short := transferTimeout(115200, 256)
	long := transferTimeout(115200, 4096)
	assert.Greater(t, long, short)

	slow := transferTimeout(9600, 4096)
	fast := transferTimeout(230400, 4096)
	assert.Greater(t, slow, fast)
}

func TestReadFlashCommandTimeoutUsesTransferTimeout(t *testing.T) {
	cmd := ReadFlashCommand{Address: 0, Length: 4096}
	assert.Equal(t, transferTimeout(115200, 4096), cmd.Timeout(115200))
}

func TestFixedTimeoutCommandsIgnoreBaud(t *testing.T) {
	assert.Equal(t, baseTimeout, PingCommand{}.Timeout(9600))
	assert.Equal(t, baseTimeout, PingCommand{}.Timeout(230400))
	assert.Equal(t, baseTimeout+500*time.Millisecond, EraseFlashSectorCommand{}.Timeout(9600))
}
