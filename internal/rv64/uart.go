package rv64

import (
	"io"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady      = 1 << 0 // Data ready
	UARTLSROverrunError   = 1 << 1 // Overrun error
	UARTLSRParityError    = 1 << 2 // Parity error
	UARTLSRFramingError   = 1 << 3 // Framing error
	UARTLSRBreakInterrupt = 1 << 4 // Break interrupt
	UARTLSRTHREmpty       = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty        = 1 << 6 // Transmitter empty
	UARTLSRFIFOError      = 1 << 7 // FIFO error
)

// IIR bits
const (
	UARTIIRNoInterrupt = 1 << 0 // No interrupt pending
)

// UARTTxTicks is the number of bus ticks a single transmitted byte occupies
// on the wire, matching the 16550's fixed 38400 baud timing model.
const UARTTxTicks = 38400

// UART implements a 16550-compatible UART whose transmitter is tick-driven:
// a write to THR stages a byte and clears LSR's TX-empty bits immediately,
// but the byte is not handed to Output, and TX-empty is not set again,
// until UARTTxTicks ticks have elapsed.
type UART struct {
	Output io.Writer
	Input  io.Reader

	// Registers
	RBR uint8 // Receive buffer
	IER uint8 // Interrupt enable
	IIR uint8 // Interrupt identification
	FCR uint8 // FIFO control
	LCR uint8 // Line control
	MCR uint8 // Modem control
	LSR uint8 // Line status
	MSR uint8 // Modem status
	SCR uint8 // Scratch

	// DLAB registers
	DLL uint8 // Divisor latch low
	DLH uint8 // Divisor latch high

	// Input buffer
	inputBuffer []byte
	inputPos    int

	// inputCh carries bytes read from Input by a background goroutine,
	// since Input (a terminal in raw mode, typically) blocks on Read and
	// cannot be polled inline from Tick.
	inputCh chan byte

	// Transmit staging: txPending is true between a THR write and the byte
	// actually landing on Output, txTicks counts down to that landing.
	txPending bool
	txByte    uint8
	txTicks   int

	// Interrupt pending
	InterruptPending bool

	// Interrupt callback
	OnInterrupt func(pending bool)
}

// NewUART creates a new UART device. If input is non-nil it is read from a
// background goroutine, one byte at a time, since terminal input blocks on
// Read; Tick drains whatever has arrived into the receive buffer.
func NewUART(output io.Writer, input io.Reader) *UART {
	uart := &UART{
		Output: output,
		Input:  input,
		LSR:    UARTLSRTHREmpty | UARTLSRTxEmpty, // TX ready
		IIR:    UARTIIRNoInterrupt,               // No interrupt pending
	}

	if input != nil {
		uart.inputCh = make(chan byte, 256)
		go uart.readInput()
	}

	return uart
}

// readInput feeds bytes from Input into inputCh until Input errors or EOFs.
func (uart *UART) readInput() {
	buf := make([]byte, 1)
	for {
		n, err := uart.Input.Read(buf)
		if n > 0 {
			uart.inputCh <- buf[0]
		}
		if err != nil {
			return
		}
	}
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	// Check DLAB bit
	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.DLL), nil
		}
		data := uart.RBR
		if len(uart.inputBuffer) > 0 && uart.inputPos < len(uart.inputBuffer) {
			data = uart.inputBuffer[uart.inputPos]
			uart.inputPos++
			if uart.inputPos >= len(uart.inputBuffer) {
				uart.inputBuffer = nil
				uart.inputPos = 0
			}
		}
		uart.updateLSR()
		return uint64(data), nil

	case UARTRegIER:
		if dlab {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil

	case UARTRegIIR:
		return uint64(uart.IIR), nil

	case UARTRegLCR:
		return uint64(uart.LCR), nil

	case UARTRegMCR:
		return uint64(uart.MCR), nil

	case UARTRegLSR:
		uart.updateLSR()
		return uint64(uart.LSR), nil

	case UARTRegMSR:
		return uint64(uart.MSR), nil

	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}

	return 0, nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	data := uint8(value)

	// Check DLAB bit
	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.DLL = data
			return nil
		}
		// Stage the byte; it lands on Output after UARTTxTicks ticks.
		uart.txPending = true
		uart.txByte = data
		uart.txTicks = UARTTxTicks
		uart.LSR &^= UARTLSRTHREmpty | UARTLSRTxEmpty
		uart.updateInterrupt()

	case UARTRegIER:
		if dlab {
			uart.DLH = data
			return nil
		}
		uart.IER = data
		uart.updateInterrupt()

	case UARTRegFCR:
		uart.FCR = data
		if data&0x01 != 0 {
			if data&0x02 != 0 {
				uart.inputBuffer = nil
				uart.inputPos = 0
			}
		}

	case UARTRegLCR:
		uart.LCR = data

	case UARTRegMCR:
		uart.MCR = data

	case UARTRegSCR:
		uart.SCR = data
	}

	return nil
}

// Tick advances the transmitter's staged-byte timer by one bus tick, and
// drains any bytes the background reader has collected from Input into the
// receive buffer. When a pending transmit byte's timer expires it is
// handed to Output and TX-empty is set again.
func (uart *UART) Tick() {
	for {
		select {
		case b := <-uart.inputCh:
			uart.inputBuffer = append(uart.inputBuffer, b)
			continue
		default:
		}
		break
	}
	if len(uart.inputBuffer) > uart.inputPos {
		uart.updateLSR()
		uart.updateInterrupt()
	}

	if !uart.txPending {
		return
	}
	uart.txTicks--
	if uart.txTicks > 0 {
		return
	}
	if uart.Output != nil {
		uart.Output.Write([]byte{uart.txByte})
	}
	uart.txPending = false
	uart.LSR |= UARTLSRTHREmpty | UARTLSRTxEmpty
	uart.updateInterrupt()
}

// updateLSR refreshes the data-ready bit from the input buffer; TX bits are
// owned by Write/Tick and left untouched here.
func (uart *UART) updateLSR() {
	if len(uart.inputBuffer) > uart.inputPos {
		uart.LSR |= UARTLSRDataReady
	} else {
		uart.LSR &^= UARTLSRDataReady
	}
}

// updateInterrupt updates the interrupt status
func (uart *UART) updateInterrupt() {
	pending := false

	if (uart.IER&0x01) != 0 && len(uart.inputBuffer) > uart.inputPos {
		pending = true
		uart.IIR = 0x04 // Receive data available
	} else if (uart.IER&0x02) != 0 && uart.LSR&UARTLSRTHREmpty != 0 {
		pending = true
		uart.IIR = 0x02 // THR empty
	} else {
		uart.IIR = UARTIIRNoInterrupt
	}

	if pending != uart.InterruptPending {
		uart.InterruptPending = pending
		if uart.OnInterrupt != nil {
			uart.OnInterrupt(pending)
		}
	}
}

// EnqueueInput adds input bytes to be read by the guest
func (uart *UART) EnqueueInput(data []byte) {
	uart.inputBuffer = append(uart.inputBuffer, data...)
	uart.updateLSR()
	uart.updateInterrupt()
}

var _ Device = (*UART)(nil)
