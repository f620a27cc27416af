package engine

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Artifact key prefixes under the destination.
const (
	ModuleKeyPrefix  = "tools/LiME"
	ProfileKeyPrefix = "tools/vol2"
)

// ModuleFileName returns the kernel module file name for a kernel release.
func ModuleFileName(kernel string) string {
	return fmt.Sprintf("lime-%s.ko", kernel)
}

// ProfileFileName returns the symbol profile archive name for a kernel release.
func ProfileFileName(kernel string) string {
	return kernel + ".zip"
}

// ArtifactKeys returns the upload keys for a worker and kernel. The keys are
// scoped by worker so concurrent builds never overwrite each other.
func ArtifactKeys(destination, workerID, kernel string) ArtifactLocation {
	loc := ArtifactLocation{Destination: destination}
	if kernel == "" {
		return loc
	}
	loc.ModuleKey = path.Join(ModuleKeyPrefix, workerID, ModuleFileName(kernel))
	loc.ProfileKey = path.Join(ProfileKeyPrefix, workerID, ProfileFileName(kernel))
	return loc
}

var (
	kernelReleasePattern = regexp.MustCompile(`^[0-9][0-9A-Za-z._+~-]*$`)
	requestValidator     = validator.New()
)

// supportedDestinationSchemes lists the artifact destination URI schemes.
var supportedDestinationSchemes = map[string]bool{
	"file": true,
	"sftp": true,
}

// ValidateRequest checks a build request before it is accepted.
func ValidateRequest(req BuildRequest) error {
	if err := requestValidator.Struct(req); err != nil {
		return NewValidationError("invalid build request", err)
	}

	u, err := url.Parse(req.ArtifactDestination)
	if err != nil {
		return NewValidationError("invalid artifact destination", err)
	}
	if !supportedDestinationSchemes[strings.ToLower(u.Scheme)] {
		return NewValidationError(
			fmt.Sprintf("unsupported artifact destination scheme %q", u.Scheme), nil)
	}

	if req.Target.KernelVersion != "" && !kernelReleasePattern.MatchString(req.Target.KernelVersion) {
		return NewValidationError(
			fmt.Sprintf("invalid kernel version %q", req.Target.KernelVersion), nil)
	}
	return nil
}
