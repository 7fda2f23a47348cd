package sdboot

import "github.com/pkg/errors"

// State is a step of the mount state machine.
type State uint8

// Mount states. SDCard and MMCCard are the ready states; Failed is terminal
// until the next Mount.
const (
	Uninitialized State = iota
	PoweringUp
	IdleEntered
	Negotiating
	SDCard
	MMCCard
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case PoweringUp:
		return "powering up"
	case IdleEntered:
		return "idle"
	case Negotiating:
		return "negotiating"
	case SDCard:
		return "SD"
	case MMCCard:
		return "MMC"
	case Failed:
		return "failed"
	default:
		return "invalid state"
	}
}

// Session is the outcome of mounting a card. It is rebuilt from scratch by
// every Mount.
type Session struct {
	State        State
	IdleAttempts int
	InitAttempts int
}

// Ready reports whether block operations are allowed.
func (s Session) Ready() bool {
	return s.State == SDCard || s.State == MMCCard
}

// Mount powers the card up, puts it in SPI mode, waits for it to finish
// initializing and works out whether it is an SD or an MMC card. The clock is
// only raised once the card is confirmed ready. A card that does not answer
// within the attempt budgets yields an error matching ErrCardUnresponsive.
// The select line is released on return.
func (c *Card) Mount() (err error) {
	c.session = Session{State: Uninitialized}
	defer func() {
		if derr := c.bus.Deselect(); derr != nil && err == nil {
			err = errors.Wrap(derr, "release card")
		}
		if err != nil {
			pkgLog.Warnf("mount failed in state %v: %v", c.session.State, err)
			c.session.State = Failed
		}
	}()

	if err := c.powerUp(); err != nil {
		return err
	}
	c.session.State = PoweringUp

	if err := c.bus.Select(); err != nil {
		return errors.Wrap(err, "select card")
	}

	n, err := c.await(CmdGoIdleState, c.profile.IdleAttempts, Response.IsIdle)
	c.session.IdleAttempts = n
	if err != nil {
		return err
	}
	c.session.State = IdleEntered
	pkgLog.Debugf("card idle after %d attempts", n)

	n, err = c.await(CmdSendOpCond, c.profile.InitAttempts, Response.IsReady)
	c.session.InitAttempts = n
	if err != nil {
		return err
	}
	c.session.State = Negotiating
	pkgLog.Debugf("card initialized after %d attempts", n)

	cardType, err := c.detectType()
	if err != nil {
		return err
	}

	if cardType == SDCard || !c.profile.MMCSlowClock {
		if err := c.bus.SetClockDivisor(DivisorFast); err != nil {
			return errors.Wrap(err, "raise clock")
		}
	}
	c.session.State = cardType
	pkgLog.Infof("%v card mounted", cardType)
	return nil
}

// Unmount releases the card. Block operations fail until the next Mount.
func (c *Card) Unmount() error {
	c.session = Session{State: Uninitialized}
	return c.bus.Deselect()
}

// powerUp clocks the card with the select line released. The card needs at
// least 74 clocks before it accepts a command.
func (c *Card) powerUp() error {
	if err := c.bus.SetClockDivisor(DivisorSlow); err != nil {
		return errors.Wrap(err, "set slow clock")
	}
	if err := c.bus.Deselect(); err != nil {
		return errors.Wrap(err, "deselect card")
	}
	if err := c.skip(c.profile.PowerUpFillers); err != nil {
		return errors.Wrap(err, "power up")
	}
	return nil
}

// await repeats op until want accepts the response or attempts run out.
func (c *Card) await(op Opcode, attempts int, want func(Response) bool) (int, error) {
	var last Response
	n, err := poll(op.String(), attempts, func() (bool, error) {
		resp, err := c.SendCommand(op, 0)
		last = resp
		return want(resp), err
	})
	if IsTimeout(err) {
		return n, &UnresponsiveError{State: c.session.State, Attempts: n, Last: last}
	}
	return n, err
}

// detectType issues APP_CMD followed by SD_SEND_OP_COND. Only an SD card
// accepts both; anything else is treated as MMC, which is not an error.
func (c *Card) detectType() (State, error) {
	resp, err := c.SendCommand(CmdAppCmd, 0)
	if err != nil {
		return Failed, err
	}
	if !resp.IsReady() {
		pkgLog.Debugf("APP_CMD answered %v, assuming MMC", resp)
		return MMCCard, nil
	}
	resp, err = c.SendCommand(CmdSDSendOpCond, 0)
	if err != nil {
		return Failed, err
	}
	if !resp.IsReady() {
		pkgLog.Debugf("SD_SEND_OP_COND answered %v, assuming MMC", resp)
		return MMCCard, nil
	}
	return SDCard, nil
}
