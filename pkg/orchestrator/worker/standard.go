package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"datapilot/pkg/artefact"
	"datapilot/pkg/store"
)

const valueDisplayLimit = 2000

// ExecuteStandardWorker runs one attempt of a code-based task: ask the model
// for an approach, execute any produced code in the sandbox, persist declared
// outputs and validate the result.
func (o *Orchestrator) ExecuteStandardWorker(ctx context.Context, task store.TaskRecord) error {
	w, err := o.loadAttempt(ctx, task)
	if err != nil {
		return err
	}

	var response TaskArtefact
	conversation, err := o.conversation(ctx, w.ID)
	if err != nil {
		return o.failUnexpected(ctx, w, err)
	}
	if err := o.llm.Structured(ctx, conversation, &response); err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	if response.IsMalicious {
		if err := o.appendText(ctx, w.ID, store.RoleAssistant, maliciousRejection); err != nil {
			return o.failUnexpected(ctx, w, err)
		}
		o.logger.Warnf("Worker %s rejected a malicious task", w.ID)
		return o.attemptFailed(ctx, w, store.HandlerStandardWorker)
	}

	if response.PythonCode == "" {
		if err := o.appendText(ctx, w.ID, store.RoleAssistant, response.Result); err != nil {
			return o.failUnexpected(ctx, w, err)
		}
		return o.concludeAttempt(ctx, w, store.HandlerStandardWorker)
	}

	if err := o.appendText(ctx, w.ID, store.RoleAssistant, "```python\n"+response.PythonCode+"\n```"); err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	locals, err := o.sandboxLocals(w)
	if err != nil {
		return o.failUnexpected(ctx, w, err)
	}
	result, err := o.sandbox.Execute(ctx, response.PythonCode, locals)
	if err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	if !result.Success {
		return o.handleExecutionFailure(ctx, w, result.Error, result.StackTrace)
	}

	if err := o.appendText(ctx, w.ID, store.RoleAssistant, "Code executed successfully. Output:\n"+result.Output); err != nil {
		return o.failUnexpected(ctx, w, err)
	}
	if err := o.persistOutputs(ctx, w, response.OutputVariables, result.Variables); err != nil {
		if err := o.appendText(ctx, w.ID, store.RoleAssistant, "Output handling failed: "+err.Error()); err != nil {
			return o.failUnexpected(ctx, w, err)
		}
		return o.attemptFailed(ctx, w, store.HandlerStandardWorker)
	}
	return o.concludeAttempt(ctx, w, store.HandlerStandardWorker)
}

// loadAttempt fetches the worker and opens a new attempt.
func (o *Orchestrator) loadAttempt(ctx context.Context, task store.TaskRecord) (*store.Worker, error) {
	w, err := o.store.GetWorker(ctx, task.EntityID)
	if err != nil {
		return nil, err
	}
	attempt := w.CurrentAttempt + 1
	inProgress := store.WorkerStatusInProgress
	if err := o.store.UpdateWorker(ctx, w.ID, &store.WorkerUpdate{
		TaskStatus:     &inProgress,
		CurrentAttempt: &attempt,
	}); err != nil {
		return nil, err
	}
	w.CurrentAttempt = attempt
	w.TaskStatus = inProgress
	o.logger.Infof("⚙️  Worker %s attempt %d/%d", w.ID, attempt, w.MaxRetry)
	return w, nil
}

// concludeAttempt validates the attempt and routes to synthesis or retry.
func (o *Orchestrator) concludeAttempt(ctx context.Context, w *store.Worker, handler string) error {
	validated, err := o.validate(ctx, w)
	if err != nil {
		return o.failUnexpected(ctx, w, err)
	}
	if validated {
		return o.enqueueSynthesis(ctx, w.PlannerID)
	}
	return o.attemptFailed(ctx, w, handler)
}

// handleExecutionFailure records the error and decides between diagnosis-based
// give-up and a plain retry.
func (o *Orchestrator) handleExecutionFailure(ctx context.Context, w *store.Worker, errMsg, stackTrace string) error {
	report := "Code execution failed: " + errMsg
	if stackTrace != "" {
		report += "\n\n" + stackTrace
	}
	if err := o.appendText(ctx, w.ID, store.RoleAssistant, report); err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	conversation, err := o.conversation(ctx, w.ID)
	if err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	var diagnosis errorDiagnosis
	if err := o.llm.Structured(ctx, conversation, &diagnosis); err == nil && diagnosis.MissingTool {
		return o.giveUp(ctx, w, "A required tool is missing: "+diagnosis.Explanation)
	}

	if w.CurrentAttempt >= 3 {
		var repeat repeatDiagnosis
		if err := o.llm.Structured(ctx, conversation, &repeat); err == nil && repeat.IdenticalFailures {
			return o.giveUp(ctx, w, "The task keeps failing with the same error.")
		}
	}
	return o.attemptFailed(ctx, w, store.HandlerStandardWorker)
}

// sandboxLocals assembles the namespace handed to the sandbox: input
// variables by name, decoded input images by key, and the granted tool names.
func (o *Orchestrator) sandboxLocals(w *store.Worker) (map[string]interface{}, error) {
	variables, err := o.loadInputVariables(w)
	if err != nil {
		return nil, err
	}
	images := make(map[string]interface{}, len(w.InputImagePaths))
	for key, path := range w.InputImagePaths {
		encoded, err := o.artefacts.LoadImage(path)
		if err != nil {
			return nil, err
		}
		images[key] = encoded
	}
	return map[string]interface{}{
		"input_variables": variables,
		"input_images":    images,
		"tools":           w.Tools,
	}, nil
}

// persistOutputs stores each declared output from the sandbox result,
// updating the worker's output path maps. A declared image of the wrong shape
// is an error so the attempt can retry.
func (o *Orchestrator) persistOutputs(ctx context.Context, w *store.Worker, declared []OutputVariable, values map[string]interface{}) error {
	outputVars := make(map[string]string)
	outputImages := make(map[string]string)
	existingImages := sortedStringKeys(w.OutputImagePaths)

	for _, v := range declared {
		value, ok := values[v.Name]
		if !ok {
			return fmt.Errorf("declared output %q was not produced by the code", v.Name)
		}
		if v.IsImage {
			saved, err := o.persistImages(w, v.Name, value, &existingImages)
			if err != nil {
				return err
			}
			for key, path := range saved {
				outputImages[key] = path
			}
			continue
		}
		path, finalKey, err := o.artefacts.SaveVariable(w.PlannerID, v.Name, value, artefact.Avoid)
		if err != nil {
			if appendErr := o.appendText(ctx, w.ID, store.RoleAssistant,
				fmt.Sprintf("The value of %q was not serialisable and was not kept: %s",
					v.Name, displayValue(value))); appendErr != nil {
				return appendErr
			}
			continue
		}
		outputVars[finalKey] = path
		if err := o.appendText(ctx, w.ID, store.RoleAssistant,
			fmt.Sprintf("Stored variable %q: %s", finalKey, displayValue(value))); err != nil {
			return err
		}
	}

	if len(outputVars) == 0 && len(outputImages) == 0 {
		return nil
	}
	upd := &store.WorkerUpdate{}
	if len(outputVars) > 0 {
		upd.OutputVariablePaths = mergeStringMaps(w.OutputVariablePaths, outputVars)
		w.OutputVariablePaths = upd.OutputVariablePaths
	}
	if len(outputImages) > 0 {
		upd.OutputImagePaths = mergeStringMaps(w.OutputImagePaths, outputImages)
		w.OutputImagePaths = upd.OutputImagePaths
	}
	return o.store.UpdateWorker(ctx, w.ID, upd)
}

// persistImages accepts a single encoded image, a list of them, or a map of
// name to encoded image. Anything else is a shape error.
func (o *Orchestrator) persistImages(w *store.Worker, name string, value interface{}, existing *[]string) (map[string]string, error) {
	saved := make(map[string]string)
	save := func(rawName, encoded string) error {
		path, finalKey, err := o.artefacts.SaveImage(w.PlannerID, rawName, encoded, *existing, artefact.Avoid)
		if err != nil {
			return err
		}
		saved[finalKey] = path
		*existing = append(*existing, finalKey)
		return nil
	}

	switch v := value.(type) {
	case string:
		if err := save(name, v); err != nil {
			return nil, err
		}
	case []interface{}:
		for i, item := range v {
			encoded, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("output %q declared as image but element %d is %T", name, i, item)
			}
			if err := save(fmt.Sprintf("%s_%d", name, i), encoded); err != nil {
				return nil, err
			}
		}
	case map[string]interface{}:
		for key, item := range v {
			encoded, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("output %q declared as image but entry %q is %T", name, key, item)
			}
			if err := save(key, encoded); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("output %q declared as image but holds %T", name, value)
	}
	return saved, nil
}

func displayValue(value interface{}) string {
	text := fmt.Sprintf("%v", value)
	if len(text) > valueDisplayLimit {
		text = text[:valueDisplayLimit] + "…(truncated)"
	}
	return strings.TrimSpace(text)
}

func mergeStringMaps(base, add map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
