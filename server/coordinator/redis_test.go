package coordinator

import (
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
)

// A scripted stand-in for the coordination store: accepts one connection,
// plays the canned replies for the handshake and then the pub/sub stream.
func fakeStore(replies []string) (net.Listener, *config.Config) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).To(BeNil())
	go func() {
		cn, err := lis.Accept()
		if err != nil {
			return
		}
		go io.Copy(ioutil.Discard, cn) // drain commands
		for _, reply := range replies {
			if _, err := cn.Write([]byte(reply)); err != nil {
				return
			}
		}
		// hold the subscription open
		time.Sleep(time.Minute)
		cn.Close()
	}()

	addr := lis.Addr().(*net.TCPAddr)
	cfg := &config.Config{}
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = addr.Port
	return lis, cfg
}

func bulk(s string) string {
	return "$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n"
}

var _ = Describe("Coordination client", func() {
	It("should learn round and state from the initial GETs", func() {
		handshake := []string{
			"+OK\r\n", // SELECT
			"+OK\r\n", // CLIENT SETNAME
			bulk("RUNNING"),
			bulk("1337"),
			"*3\r\n" + bulk("subscribe") + bulk(currentStateKey) + ":1\r\n",
			"*3\r\n" + bulk("subscribe") + bulk(currentRoundKey) + ":2\r\n",
		}
		lis, cfg := fakeStore(handshake)
		defer lis.Close()

		c := New(cfg)
		c.Start()
		defer c.Close()

		Eventually(c.State).Should(Equal(Running))
		Eventually(c.CurrentRound).Should(Equal(1337))
	})

	It("should follow pub/sub round transitions and fire the hook", func() {
		handshake := []string{
			"+OK\r\n",
			"+OK\r\n",
			bulk("SUSPENDED"),
			bulk("41"),
			"*3\r\n" + bulk("subscribe") + bulk(currentStateKey) + ":1\r\n",
			"*3\r\n" + bulk("subscribe") + bulk(currentRoundKey) + ":2\r\n",
			"*3\r\n" + bulk("message") + bulk(currentRoundKey) + bulk("42"),
			"*3\r\n" + bulk("message") + bulk(currentStateKey) + bulk("RUNNING"),
			"*3\r\n" + bulk("message") + bulk(currentStateKey) + bulk("NONSENSE"),
		}
		lis, cfg := fakeStore(handshake)
		defer lis.Close()

		c := New(cfg)
		var completed int32
		c.OnRoundChange = func(oldRound int) {
			atomic.StoreInt32(&completed, int32(oldRound))
		}
		c.Start()
		defer c.Close()

		Eventually(c.CurrentRound).Should(Equal(42))
		Eventually(c.State).Should(Equal(Running))
		// the hook saw the completed round, the invalid state was dropped
		Eventually(func() int { return int(atomic.LoadInt32(&completed)) }).Should(Equal(41))
		Consistently(c.State, "100ms").Should(Equal(Running))
	})

	It("should authenticate first when a password is configured", func() {
		handshake := []string{
			"+OK\r\n", // AUTH
			"+OK\r\n", // SELECT
			"+OK\r\n", // CLIENT SETNAME
			bulk("STOPPED"),
			bulk("7"),
		}
		lis, cfg := fakeStore(handshake)
		defer lis.Close()
		cfg.Redis.Password = "sesame"

		c := New(cfg)
		c.Start()
		defer c.Close()

		Eventually(c.CurrentRound).Should(Equal(7))
		Expect(c.State()).To(Equal(Stopped))
	})
})
