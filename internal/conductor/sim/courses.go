package sim

import (
	"fmt"
	"unicode/utf8"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/signature"
)

// MaxTitleLength is the longest course title the app accepts.
const MaxTitleLength = 50

const courseEntryType = "course"

func appError(format string, args ...any) conductor.CallResult {
	return conductor.AppError(payload.String(fmt.Sprintf(format, args...)))
}

func validateTitle(title string) error {
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return fmt.Errorf("validation failed: title must be %d characters or less", MaxTitleLength)
	}
	return nil
}

// dispatch runs one call against inst. Caller holds c.mu.
func (c *Conductor) dispatch(inst *instance, call signature.Call) conductor.CallResult {
	switch call := call.(type) {
	case signature.HiHolo:
		return conductor.Ok(payload.String("Hello Holo"))

	case signature.CreateCourse:
		if err := validateTitle(call.Title); err != nil {
			return conductor.AppError(payload.String(err.Error()))
		}
		course := payload.Object{
			"title":           payload.String(call.Title),
			"teacher_address": payload.String(inst.agentAddress),
			"modules":         payload.Array{},
			"timestamp":       payload.Int(call.Timestamp),
		}
		address, err := payload.Address(courseEntryType, course)
		if err != nil {
			return appError("hash course: %v", err)
		}
		c.publish(inst, op{kind: opPut, address: address, entry: course})
		inst.authored = append(inst.authored, address)
		return conductor.Ok(payload.String(address))

	case signature.UpdateCourse:
		latest, existing, ok := inst.view.get(call.CourseAddress)
		if !ok {
			return appError("course not found: %s", call.CourseAddress)
		}
		if teacher, _ := existing.Str("teacher_address"); teacher != inst.agentAddress {
			return appError("only the teacher can update this course")
		}
		if err := validateTitle(call.Title); err != nil {
			return conductor.AppError(payload.String(err.Error()))
		}
		course := payload.Object{
			"title":           payload.String(call.Title),
			"teacher_address": payload.String(inst.agentAddress),
			"modules":         payload.Strings(call.ModulesAddresses...),
			"timestamp":       payload.Int(call.Timestamp),
		}
		address, err := payload.Address(courseEntryType, course)
		if err != nil {
			return appError("hash course: %v", err)
		}
		if address == latest {
			return conductor.Ok(payload.String(address))
		}
		c.publish(inst, op{kind: opReplace, address: address, prev: latest, entry: course})
		return conductor.Ok(payload.String(address))

	case signature.DeleteCourse:
		latest, existing, ok := inst.view.get(call.CourseAddress)
		if !ok {
			return appError("course not found: %s", call.CourseAddress)
		}
		if teacher, _ := existing.Str("teacher_address"); teacher != inst.agentAddress {
			return appError("only the teacher can delete this course")
		}
		c.publish(inst, op{kind: opRemove, address: latest})
		return conductor.Ok(payload.String(latest))

	case signature.GetEntry:
		_, entry, ok := inst.view.get(call.Address)
		if !ok {
			return conductor.Ok(payload.Null{})
		}
		return conductor.Ok(entry.Clone())

	case signature.GetMyCourses:
		out := payload.Array{}
		seen := make(map[string]bool)
		for _, address := range inst.authored {
			latest, _, ok := inst.view.get(address)
			if !ok || seen[latest] {
				continue
			}
			seen[latest] = true
			out = append(out, payload.String(latest))
		}
		return conductor.Ok(out)

	default:
		return appError("function not found: %s.%s", call.Capability(), call.Function())
	}
}
