package proxy

const dashboardHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>Franz Panel</title>
<style>
*{box-sizing:border-box}
body{font-family:ui-monospace,Menlo,monospace;background:#0b1020;color:#e8eefc;margin:0;padding:0;height:100vh;display:flex;flex-direction:column}
.header{background:#151b2e;padding:10px 20px;border-bottom:1px solid #2a3447;display:flex;justify-content:space-between;align-items:center}
.header h1{margin:0;font-size:1.2em}
.header .conn{font-size:0.8em;color:#8a9}
.header .conn.live{color:#8ff0c1}
.main{flex:1;display:flex;overflow:hidden}
.turns{flex:1;overflow-y:auto;padding:16px;min-width:0}
.frame{width:560px;background:#0d1325;border-left:1px solid #2a3447;padding:16px;display:flex;flex-direction:column;gap:10px}
.frame img{width:100%;image-rendering:pixelated;border:1px solid #2a3447;border-radius:4px;background:#000}
.turn{background:#0d1325;border:1px solid #2a3447;border-radius:8px;padding:12px;margin-bottom:12px}
.turn .meta{display:flex;gap:14px;font-size:0.8em;color:#8a9;margin-bottom:8px;flex-wrap:wrap}
.turn .meta .bad{color:#ff8f8f;font-weight:bold}
.turn .meta .good{color:#8ff0c1}
.turn pre{background:#0b1020;padding:10px;border-radius:4px;overflow-x:auto;font-size:0.85em;white-space:pre-wrap;margin:6px 0;max-height:260px;overflow-y:auto}
.label{font-size:0.75em;color:#9db2d4;margin-top:8px}
</style>
</head><body>
<div class="header">
<h1>Franz Panel</h1>
<span class="conn" id="conn">connecting…</span>
</div>
<div class="main">
<div class="turns" id="turns"></div>
<div class="frame">
<div class="label">Latest frame</div>
<img id="frame" alt="no frame yet"/>
<div class="label">Latest story check</div>
<pre id="check">—</pre>
</div>
</div>
<script>
const turns=document.getElementById('turns');
const conn=document.getElementById('conn');
const frame=document.getElementById('frame');
const check=document.getElementById('check');
const MAX_TURNS=50;

function esc(s){const d=document.createElement('div');d.textContent=s==null?'':String(s);return d.innerHTML;}

function render(e){
  const ok=e.story_check&&e.story_check.match;
  const div=document.createElement('div');
  div.className='turn';
  div.innerHTML=
    '<div class="meta">'+
    '<span>turn '+esc(e.turn)+'</span>'+
    '<span>'+esc(e.latency_ms)+'ms</span>'+
    '<span>status '+esc(e.response.status)+'</span>'+
    '<span class="'+(ok?'good':'bad')+'">story '+(ok?'ok':'VIOLATION')+'</span>'+
    '<span>req '+esc(e.request.body_size_bytes)+'B</span>'+
    '<span>resp '+esc(e.response.body_size_bytes)+'B</span>'+
    '</div>'+
    '<div class="label">feedback</div><pre>'+esc(e.request.feedback_text)+'</pre>'+
    '<div class="label">response</div><pre>'+esc(e.response.text)+'</pre>';
  turns.prepend(div);
  while(turns.children.length>MAX_TURNS)turns.removeChild(turns.lastChild);
  if(e.request.image_data_uri)frame.src=e.request.image_data_uri;
  if(e.story_check)check.textContent=e.story_check.detail;
}

function connect(){
  const ws=new WebSocket((location.protocol==='https:'?'wss://':'ws://')+location.host+'/ws');
  ws.onopen=()=>{conn.textContent='live';conn.classList.add('live');};
  ws.onmessage=(m)=>{try{render(JSON.parse(m.data));}catch(_){}};
  ws.onclose=()=>{conn.textContent='reconnecting…';conn.classList.remove('live');setTimeout(connect,2000);};
}
connect();
</script>
</body></html>`
