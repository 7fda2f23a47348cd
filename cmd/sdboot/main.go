package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/amrbekhit/sdboot"
	"github.com/amrbekhit/sdboot/internal/sim"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var commands = map[string]func(*sdboot.Card, []string) error{
	"mount":       processMount,
	"readsector":  processReadSector,
	"readpartial": processReadPartial,
	"writesector": processWriteSector,
	"dump":        processDump,
	"boot":        processBoot,
}

const appVersion = "0.1.0"

// transportFlags selects how the card is reached.
type transportFlags struct {
	port    string
	baud    int
	spiPort string
	cs      string
	hz      int64
	simFile string
}

// openTransport returns the selected transport and a function that releases
// it. For a simulated card the release function saves the image back if it
// was written to.
func openTransport(tf transportFlags) (sdboot.Transport, func(), error) {
	switch {
	case tf.simFile != "":
		data, err := ioutil.ReadFile(tf.simFile)
		if err != nil {
			return nil, nil, err
		}
		card := sim.NewCardFromImage(data)
		log.Debugf("simulated card of %d sectors", card.Sectors())
		return card, func() {
			if card.Writes == 0 {
				return
			}
			if err := ioutil.WriteFile(tf.simFile, card.Image(), 0644); err != nil {
				log.Errorf("failed to save card image: %v", err)
			}
		}, nil

	case tf.port != "":
		bp := newBusPirate(tf)
		if err := bp.Connect(); err != nil {
			return nil, nil, err
		}
		return bp, bp.Disconnect, nil

	case tf.spiPort != "":
		if _, err := host.Init(); err != nil {
			return nil, nil, err
		}
		t, err := sdboot.OpenPeriphTransport(tf.spiPort, tf.cs, physic.Frequency(tf.hz)*physic.Hertz)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { t.Close() }, nil
	}
	return nil, nil, errors.New("must specify one of -port, -spi or -sim")
}

// newBusPirate returns an unconnected Bus Pirate transport whose divisors
// apply to the -hz reference clock.
func newBusPirate(tf transportFlags) *sdboot.BusPirate {
	bp := sdboot.NewBusPirateTransport(tf.port, tf.baud)
	bp.SystemClock = int(tf.hz)
	return bp
}

func loadProfile(name string) sdboot.Profile {
	profile := sdboot.DefaultProfile()
	if name != "" {
		f, err := ioutil.ReadFile(name)
		if err != nil {
			log.Fatalf("failed to open profile file: %v", err)
		}
		if err := yaml.Unmarshal(f, &profile); err != nil {
			log.Fatalf("failed to parse profile file: %v", err)
		}
	}
	if err := profile.Validate(); err != nil {
		log.Fatalf("invalid profile: %v", err)
	}
	return profile
}

// loadImage reads the application from a .hex file, or raw from anything else.
func loadImage(name string, profile sdboot.Profile) []byte {
	file, err := os.Open(name)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(name), ".hex") {
		image, err := sdboot.ImageFromHex(file, profile.AppBaseAddress)
		if err != nil {
			log.Fatal(err)
		}
		return image
	}
	image, err := ioutil.ReadAll(file)
	if err != nil {
		log.Fatal(err)
	}
	return image
}

func runHook(name, command string) {
	if command == "" {
		return
	}
	log.Infof("running %s command...", name)
	if err := exec.Command(command).Run(); err != nil {
		log.Fatalf("failed to run %s command: %v", name, err)
	}
}

func main() {
	var tf transportFlags
	version := flag.Bool("version", false, "Prints the program version.")
	flag.StringVar(&tf.port, "port", "", "Bus Pirate serial port name.")
	flag.IntVar(&tf.baud, "baud", 115200, "Bus Pirate baud rate.")
	flag.StringVar(&tf.spiPort, "spi", "", "SPI port name, e.g. /dev/spidev0.0.")
	flag.StringVar(&tf.cs, "cs", "", "Chip select GPIO name when using -spi, e.g. GPIO25.")
	flag.Int64Var(&tf.hz, "hz", 8000000, "Reference clock in Hz that the SPI clock divisors apply to.")
	flag.StringVar(&tf.simFile, "sim", "", "Card image file to use as a simulated card.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	before := flag.String("before", "", "Command to run before staging.")
	after := flag.String("after", "", "Command to run after staging has been completed successfully.")

	// Format the default profile in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(sdboot.DefaultProfile())
	profileName := flag.String("profile", "", "Loader profile yaml file. Unset fields keep their defaults:\n\n"+buf.String())

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Usage: readsector lba, readpartial lba offset count, writesector lba datafile,\n"+
		"dump outfile, boot flashfile",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	sdboot.SetLogger(log.StandardLogger())

	profile := loadProfile(*profileName)

	// Load the image before touching the card so a bad file fails early
	var image []byte
	if *command == "" {
		if len(flag.Args()) != 1 {
			log.Fatalf("must specify image file to stage")
		}
		image = loadImage(flag.Args()[0], profile)
		log.Infof("image loaded, %d bytes", len(image))
		runHook("before", *before)
	}

	if *command != "" {
		if _, ok := commands[*command]; !ok {
			log.Fatalf("invalid command %v", *command)
		}
	}

	if err := run(tf, profile, *command, flag.Args(), image); err != nil {
		log.Fatal(err)
	}

	if *command == "" {
		runHook("after", *after)
	}
}

// run opens the transport, mounts the card and runs the command with args, or
// stages image when no command is given. The card and transport are released
// on every path.
func run(tf transportFlags, profile sdboot.Profile, command string, args []string, image []byte) error {
	bus, release, err := openTransport(tf)
	if err != nil {
		return errors.Wrap(err, "failed to open transport")
	}
	defer release()

	card := sdboot.NewCard(bus, profile)
	log.Infof("mounting card...")
	if err := card.Mount(); err != nil {
		return err
	}
	defer card.Unmount()
	log.Infof("mounted")

	if command != "" {
		return commands[command](card, args)
	}

	stager := sdboot.NewStager(card)

	log.Infof("staging...")
	if err := stager.Program(image); err != nil {
		return err
	}

	log.Infof("verifying...")
	if err := stager.Verify(image); err != nil {
		return err
	}
	log.Infof("complete")
	return nil
}
