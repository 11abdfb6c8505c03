package ingress

import (
	"bufio"
	"strings"

	mock "github.com/jordwest/mock-conn"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/coordinator"
	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
)

// round=1337 team=7 service=12 payload=0, sealed with 'a'*32
const referenceFlag = "SAAR{OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4hw9}\n"

func ingressConfig() *config.Config {
	var secret [32]byte
	for i := range secret {
		secret[i] = 'a'
	}
	return &config.Config{
		FlagPrefix:      "SAAR",
		Secret:          secret,
		FlagRoundsValid: 10,
		TeamRange: config.IpSpec{
			A:    [4]int{1, 200, 1, 1},
			B:    [4]int{1, 50, 200, 1},
			C:    [4]int{127, 0, 0, 0},
			Size: 32,
		},
	}
}

var _ = Describe("Connection", func() {
	var pool *Pool
	var end *mock.Conn
	var rd *bufio.Reader

	BeforeEach(func() {
		flags.Setup(ingressConfig())
		flags.InitModelSizes(10002, 12)
		flags.CurrentRound = func() int { return -1 }
		flags.CurrentState = func() int { return coordinator.Stopped }

		pool = NewPool(1, ingressConfig())
		end = mock.NewConn()
		conn := NewConnection(end.Server, pool.Next())
		go conn.Serve()
		rd = bufio.NewReader(end.Client)
	})

	AfterEach(func() {
		end.Close()
		pool.Close()
	})

	send := func(data string) {
		_, err := end.Client.Write([]byte(data))
		Expect(err).To(BeNil())
	}

	readLine := func() string {
		line, err := rd.ReadString('\n')
		Expect(err).To(BeNil())
		return line
	}

	It("should answer a flag line", func() {
		// the game is stopped while nothing feeds the run state
		send(referenceFlag)
		Expect(readLine()).To(Equal("[OFFLINE] CTF not running\n"))
	})

	It("should answer garbage with the canned rejection", func() {
		send("x\n")
		Expect(readLine()).To(Equal("[ERR] Wrong length\n"))
	})

	It("should truncate overlong lines", func() {
		send(strings.Repeat("A", 300) + "\n")
		Expect(readLine()).To(Equal("[ERR] Wrong length\n"))
		// the next line is parsed cleanly again
		send(referenceFlag)
		Expect(readLine()).To(Equal("[OFFLINE] CTF not running\n"))
	})

	It("should not answer empty lines", func() {
		send("\n")
		send("x\n")
		Expect(readLine()).To(Equal("[ERR] Wrong length\n"))
	})

	It("should keep responses in line order", func() {
		send("x\n" + referenceFlag + "statistics cache\n" + referenceFlag)
		Expect(readLine()).To(Equal("[ERR] Wrong length\n"))
		Expect(readLine()).To(Equal("[OFFLINE] CTF not running\n"))
		Expect(readLine()).To(MatchRegexp(`^\d+,\d+,\d+\n$`))
		Expect(readLine()).To(Equal("[OFFLINE] CTF not running\n"))
	})

	Describe("admin channel", func() {
		It("should report cache statistics", func() {
			send("statistics cache\n")
			Expect(readLine()).To(MatchRegexp(`^\d+,\d+,\d+\n$`))
		})

		It("should report connection statistics", func() {
			send("statistics connections\n")
			Expect(readLine()).To(MatchRegexp(`^\d+,\d+,-?\d+,\d+\n$`))
		})

		It("should report flag statistics", func() {
			// a broken MAC is the cheapest way to put a categorized flag
			// into the counters without a database
			flags.CurrentState = func() int { return coordinator.Running }
			send("SAAR{OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4hw8}\n")
			Expect(readLine()).To(Equal("[ERR] Invalid flag\n"))
			send("statistics flags\n")
			Expect(readLine()).To(MatchRegexp(`^team1,\d+,\d+,\d+,\d+,\d+,\d+\n$`))
		})
	})

	It("should count open connections", func() {
		before := TotalClients()
		second := mock.NewConn()
		conn := NewConnection(second.Server, pool.Next())
		go conn.Serve()
		Expect(TotalClients()).To(Equal(before + 1))

		second.Client.Close()
		Eventually(TotalClients).Should(Equal(before))
	})
})
