package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/baitchat/internal/compiler"
	"github.com/roach88/baitchat/internal/ir"
)

// LoadMode controls how errors are handled during whitelist loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Error code constants for whitelist loading. Semantic validation codes
// (E1xx) come from the compiler package.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeEmpty       = "E007" // No plans defined
)

// Whitelist is the compiled content of a whitelist directory.
type Whitelist struct {
	Plans     []ir.PlanSchema
	Devices   []ir.DeviceRef
	FileCount int
}

// LoadError represents an error that occurred during whitelist loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadWhitelist loads and compiles the `plan` and `device` structs of the
// CUE package in dir. In LoadModeFailFast it returns on the first error;
// in LoadModeCollectAll it also runs semantic validation and returns every
// problem found.
func LoadWhitelist(dir string, mode LoadMode) (*Whitelist, []error) {
	var errs []error
	fail := func(err error) bool {
		errs = append(errs, err)
		return mode == LoadModeFailFast
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("whitelist directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing whitelist directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	wl := &Whitelist{FileCount: len(cueFiles)}

	if plansVal := value.LookupPath(cue.ParsePath("plan")); plansVal.Exists() {
		iter, iterErr := plansVal.Fields()
		if iterErr != nil {
			if fail(&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating plans: %v", iterErr)}) {
				return wl, errs
			}
		} else {
			for iter.Next() {
				spec, compileErr := compiler.CompilePlan(iter.Value())
				if compileErr != nil {
					if fail(convertCompileError(compileErr, "plan."+iter.Label())) {
						return wl, errs
					}
					continue
				}
				wl.Plans = append(wl.Plans, *spec)
			}
		}
	}

	if devicesVal := value.LookupPath(cue.ParsePath("device")); devicesVal.Exists() {
		iter, iterErr := devicesVal.Fields()
		if iterErr != nil {
			if fail(&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating devices: %v", iterErr)}) {
				return wl, errs
			}
		} else {
			for iter.Next() {
				dev, compileErr := compiler.CompileDevice(iter.Value())
				if compileErr != nil {
					if fail(convertCompileError(compileErr, "device."+iter.Label())) {
						return wl, errs
					}
					continue
				}
				wl.Devices = append(wl.Devices, *dev)
			}
		}
	}

	if len(wl.Plans) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeEmpty, Message: "no plans found in whitelist"})
		return wl, errs
	}

	for _, verr := range compiler.ValidateWhitelist(wl.Plans, wl.Devices) {
		if fail(verr) {
			return wl, errs
		}
	}

	return wl, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case strings.HasSuffix(field, ".kind"):
		return compiler.ErrInvalidParamKind
	case strings.HasSuffix(field, ".limits"):
		return compiler.ErrInvalidDeviceLimits
	case field == "estimate":
		return compiler.ErrInvalidEstimate
	case field == "category":
		return compiler.ErrInvalidDeviceCategory
	default:
		return ErrCodeGeneric
	}
}
