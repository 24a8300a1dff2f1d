package nvme

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestNVMe(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NVMe-oF Suite")
}
